//go:build !linux && !darwin && !freebsd

package sniff

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

const (
	// DefaultSyscalls default setting for using syscalls
	DefaultSyscalls = true
)

func openLive(_ context.Context, _ string, _ int32, _ bool, _ time.Duration, _ bool) (source, uint32, error) {
	return nil, 0, fmt.Errorf("live capture on %s: %w", runtime.GOOS, ErrUnsupported)
}
