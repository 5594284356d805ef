//go:build linux

package sniff

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/gopacket/gopacket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSyscalls default setting for using syscalls; Linux prefers the mapped ring
	DefaultSyscalls = false
)

// socketSource reads one frame per recvfrom(2) from an AF_PACKET raw socket.
type socketSource struct {
	mu      sync.Mutex
	fd      int
	index   int
	timeout time.Duration
	buf     []byte
	wake    *waker
	closed  bool
	// statsMu guards total; mu is held by a read across blocking polls
	statsMu sync.Mutex
	total   Stats
}

func openLive(ctx context.Context, device string, snaplen int32, promiscuous bool, timeout time.Duration, syscalls bool) (source, uint32, error) {
	if !syscalls {
		return openRing(ctx, device, snaplen, promiscuous, timeout)
	}
	return openSocket(ctx, device, snaplen, promiscuous, timeout)
}

func openSocket(ctx context.Context, device string, snaplen int32, promiscuous bool, timeout time.Duration) (_ source, _ uint32, err error) {
	// set up the socket - remember to switch to network socket order for the protocol int
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed opening raw socket: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()
	s := &socketSource{
		fd:      fd,
		timeout: timeout,
		buf:     make([]byte, snaplen),
	}
	if !isAnyDevice(device) {
		// get our interface
		in, err := net.InterfaceByName(device)
		if err != nil {
			return nil, 0, fmt.Errorf("unknown interface %s: %w", device, err)
		}
		s.index = in.Index

		sa := unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_ALL),
			Ifindex:  in.Index,
		}
		if err = unix.Bind(fd, &sa); err != nil {
			return nil, 0, fmt.Errorf("failed to bind to %s: %w", device, err)
		}
		if promiscuous {
			mreq := unix.PacketMreq{
				Ifindex: int32(in.Index),
				Type:    unix.PACKET_MR_PROMISC,
			}
			if err = unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
				return nil, 0, fmt.Errorf("failed to set promiscuous for %s: %w", device, err)
			}
		}
	} else if promiscuous {
		log.Warn("promiscuous mode is not supported when capturing on all interfaces, ignoring")
	}
	if s.wake, err = newWaker(ctx); err != nil {
		return nil, 0, err
	}
	return s, LinkTypeEthernet, nil
}

func (s *socketSource) readPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil, ci, io.EOF
		}
		if err := s.wake.wait(s.fd, s.timeout); err != nil {
			return nil, ci, err
		}
		// MSG_TRUNC makes the kernel report the full length even when the frame did not fit
		n, from, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_TRUNC|unix.MSG_DONTWAIT)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, ci, fmt.Errorf("error reading: %w", err)
		}
		caplen := n
		if caplen > len(s.buf) {
			caplen = len(s.buf)
		}
		ci = gopacket.CaptureInfo{
			Timestamp:      time.Now(),
			CaptureLength:  caplen,
			Length:         n,
			InterfaceIndex: s.index,
		}
		if sll, ok := from.(*unix.SockaddrLinklayer); ok {
			ci.InterfaceIndex = sll.Ifindex
		}
		data = make([]byte, caplen)
		copy(data, s.buf[:caplen])
		return data, ci, nil
	}
}

// setFilter set a classic BPF filter on the socket, then flush whatever was
// queued before the filter was in place.
func (s *socketSource) setFilter(raw []bpf.RawInstruction) error {
	if len(raw) == 0 {
		return nil
	}
	prog := unix.SockFprog{
		Len:    uint16(len(raw)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&raw[0])),
	}
	if err := unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("unable to set filter: %w", err)
	}
	var b [1]byte
	for {
		if _, _, err := unix.Recvfrom(s.fd, b[:], unix.MSG_DONTWAIT|unix.MSG_TRUNC); err != nil {
			break
		}
	}
	return nil
}

// stats the kernel resets PACKET_STATISTICS on every read, so keep a running total
func (s *socketSource) stats() (Stats, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, err := unix.GetsockoptTpacketStats(s.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return Stats{}, fmt.Errorf("unable to read socket statistics: %w", err)
	}
	s.total.Received += uint64(st.Packets)
	s.total.Dropped += uint64(st.Drops)
	return s.total, nil
}

func (s *socketSource) close() error {
	s.wake.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return unix.Close(s.fd)
}

func htons(in uint16) uint16 {
	return (in<<8)&0xff00 | in>>8
}
