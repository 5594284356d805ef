//go:build linux && !cgo

package sniff

import (
	"context"
	"fmt"
	"time"
)

// openRing the mapped ring comes from gopacket/afpacket, which needs cgo; without it only
// syscalls mode is available.
func openRing(_ context.Context, _ string, _ int32, _ bool, _ time.Duration) (source, uint32, error) {
	return nil, 0, fmt.Errorf("ring capture needs a cgo build, use syscalls mode: %w", ErrUnsupported)
}
