package sniff

import (
	"errors"
	"time"
)

// link types, compliant with pcap-linktype(7) and http://www.tcpdump.org/linktypes.html.
const (
	LinkTypeNull     uint32 = 0x0
	LinkTypeEthernet uint32 = 0x01
)

const (
	// DefaultSnaplen is large enough for any frame on a standard MTU link plus VLAN tags.
	DefaultSnaplen int32 = 1600
	// MaxSnaplen matches the tcpdump default of 262144.
	MaxSnaplen int32 = 262144
	// AnyDevice captures on every interface where the platform allows it.
	AnyDevice = "any"

	listenBuffer = 50
	// pollInterval bounds how long a blocked read can go without checking for cancellation.
	pollInterval = 100 * time.Millisecond
)

var (
	// ErrHandleClosed is returned by Stats on a handle after Close. Reads return io.EOF instead.
	ErrHandleClosed = errors.New("handle closed")
	// ErrTimeout is returned when no frame arrived within the handle timeout. It is not terminal.
	ErrTimeout = errors.New("read timeout")
	// ErrNoDevice is returned by LookupDev when no usable device exists.
	ErrNoDevice = errors.New("no suitable capture device found")
	// ErrUnsupported is returned for options a platform backend cannot honor.
	ErrUnsupported = errors.New("unsupported on this platform")
)
