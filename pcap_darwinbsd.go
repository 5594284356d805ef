//go:build darwin || freebsd

package sniff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/gopacket/gopacket"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	enable = 1
	// DefaultSyscalls default setting for using syscalls; there is no mapped ring on bpf devices
	DefaultSyscalls = true
)

// bpfSource reads from a /dev/bpf* device. One read(2) may return several
// frames, each behind a bpf_hdr; they are handed out one at a time.
type bpfSource struct {
	mu      sync.Mutex
	fd      int
	index   int
	snaplen int32
	timeout time.Duration
	buf     []byte
	offset  int
	end     int
	endian  binary.ByteOrder
	wake    *waker
	closed  bool
}

type BpfProgram struct {
	Len    uint32
	Filter *bpf.RawInstruction
}

func (s *bpfSource) readPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.offset >= s.end {
		if s.closed {
			return nil, ci, io.EOF
		}
		if err := s.wake.wait(s.fd, s.timeout); err != nil {
			return nil, ci, err
		}
		read, err := unix.Read(s.fd, s.buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, ci, fmt.Errorf("error reading: %w", err)
		}
		s.offset, s.end = 0, read
	}
	if s.end-s.offset < unix.SizeofBpfHdr {
		s.offset = s.end
		return nil, ci, errors.New("short bpf header")
	}
	// separate the header and packet body
	hdr := unix.BpfHdr{}
	if err := binary.Read(bytes.NewReader(s.buf[s.offset:s.offset+unix.SizeofBpfHdr]), s.endian, &hdr); err != nil {
		s.offset = s.end
		return nil, ci, fmt.Errorf("error reading bpf header: %w", err)
	}
	start := s.offset + int(hdr.Hdrlen)
	stop := start + int(hdr.Caplen)
	if stop > s.end {
		s.offset = s.end
		return nil, ci, fmt.Errorf("bpf record overruns buffer: %d > %d", stop, s.end)
	}
	s.offset += bpfWordAlign(int(hdr.Hdrlen) + int(hdr.Caplen))

	caplen := int(hdr.Caplen)
	if caplen > int(s.snaplen) {
		caplen = int(s.snaplen)
	}
	ci = gopacket.CaptureInfo{
		Timestamp:      time.Unix(int64(hdr.Tstamp.Sec), int64(hdr.Tstamp.Usec)*1000),
		CaptureLength:  caplen,
		Length:         int(hdr.Datalen),
		InterfaceIndex: s.index,
	}
	data = make([]byte, caplen)
	copy(data, s.buf[start:start+caplen])
	return data, ci, nil
}

func bpfWordAlign(x int) int {
	return (x + unix.BPF_ALIGNMENT - 1) &^ (unix.BPF_ALIGNMENT - 1)
}

// set a classic BPF filter on the listener.
func (s *bpfSource) setFilter(raw []bpf.RawInstruction) error {
	if len(raw) == 0 {
		return nil
	}
	prog := BpfProgram{
		Len:    uint32(len(raw)),
		Filter: (*bpf.RawInstruction)(unsafe.Pointer(&raw[0])),
	}
	// BIOCSETF also flushes the buffer, so nothing unfiltered is left behind
	if err := ioctlPtr(s.fd, unix.BIOCSETF, unsafe.Pointer(&prog)); err != nil {
		return fmt.Errorf("unable to set filter: %w", err)
	}
	return nil
}

func (s *bpfSource) stats() (Stats, error) {
	var st unix.BpfStat
	if err := ioctlPtr(s.fd, unix.BIOCGSTATS, unsafe.Pointer(&st)); err != nil {
		return Stats{}, fmt.Errorf("unable to read bpf statistics: %w", err)
	}
	return Stats{Received: uint64(st.Recv), Dropped: uint64(st.Drop)}, nil
}

func (s *bpfSource) close() error {
	s.wake.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return unix.Close(s.fd)
}

func openLive(ctx context.Context, iface string, snaplen int32, promiscuous bool, timeout time.Duration, syscalls bool) (_ source, _ uint32, err error) {
	if !syscalls {
		return nil, 0, fmt.Errorf("mmap capture on bpf devices: %w", ErrUnsupported)
	}
	if isAnyDevice(iface) {
		return nil, 0, fmt.Errorf("capturing on all interfaces needs a named device on bpf: %w", ErrUnsupported)
	}
	in, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, 0, fmt.Errorf("unknown interface %s: %w", iface, err)
	}
	s := &bpfSource{
		index:   in.Index,
		snaplen: snaplen,
		timeout: timeout,
	}
	// we need to know our endianness
	if s.endian, err = getEndianness(); err != nil {
		return nil, 0, err
	}

	// open the bpf device
	fd := -1
	for i := 0; i < 255; i++ {
		dev := fmt.Sprintf("/dev/bpf%d", i)
		fd, err = unix.Open(dev, unix.O_RDWR|unix.O_CLOEXEC, 0000)
		if fd > -1 {
			break
		}
		if err == unix.EBUSY {
			continue
		}
		return nil, 0, fmt.Errorf("error opening device %s: %w", dev, err)
	}
	if fd <= -1 {
		return nil, 0, errors.New("failed to get valid bpf device")
	}
	s.fd = fd
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	// set the options
	if err = SetBpfInterface(fd, iface); err != nil {
		return nil, 0, fmt.Errorf("failed to set the BPF interface: %w", err)
	}
	if err = SetBpfHeadercmpl(fd, enable); err != nil {
		return nil, 0, fmt.Errorf("failed to set the BPF header complete option: %w", err)
	}
	if err = SetBpfMonitor(fd, enable); err != nil {
		return nil, 0, fmt.Errorf("failed to set the BPF monitor option: %w", err)
	}
	if err = SetBpfImmediate(fd, enable); err != nil {
		return nil, 0, fmt.Errorf("failed to set the BPF immediate return option: %w", err)
	}
	if promiscuous {
		if err = SetBpfPromisc(fd); err != nil {
			return nil, 0, fmt.Errorf("failed to set promiscuous for %s: %w", iface, err)
		}
	}
	size, err := BpfBuflen(fd)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	s.buf = make([]byte, size)

	linkType, err := getLinkType(fd)
	if err != nil {
		return nil, 0, err
	}
	if s.wake, err = newWaker(ctx); err != nil {
		return nil, 0, err
	}
	return s, linkType, nil
}

// because they deprecated all of the below from "syscall" and redirected to "golang.org/x/net/bpf" but did not
// create a replacement. Sigh.

type ivalue struct {
	name  [unix.IFNAMSIZ]byte
	value int16
}

func SetBpfInterface(fd int, name string) error {
	var iv ivalue
	copy(iv.name[:], []byte(name))
	return ioctlPtr(fd, unix.BIOCSETIF, unsafe.Pointer(&iv))
}

func SetBpfHeadercmpl(fd, m int) error {
	return unix.IoctlSetPointerInt(fd, unix.BIOCSHDRCMPLT, m)
}

func SetBpfImmediate(fd, m int) error {
	return unix.IoctlSetPointerInt(fd, unix.BIOCIMMEDIATE, m)
}

func SetBpfMonitor(fd, m int) error {
	return unix.IoctlSetPointerInt(fd, unix.BIOCSSEESENT, m)
}

func SetBpfPromisc(fd int) error {
	return ioctlPtr(fd, unix.BIOCPROMISC, nil)
}

func BpfBuflen(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.BIOCGBLEN)
}

func ioctlPtr(fd, arg int, valPtr unsafe.Pointer) error {
	//nolint:staticcheck // unix.SYS_IOCTL is deprecated, but golang does not provide a better alternative
	// as of this writing for passing pointers
	_, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(fd), uintptr(arg), uintptr(valPtr))
	if errno != 0 {
		return fmt.Errorf("ioctl %#x: %w", arg, errno)
	}
	return nil
}

func getLinkType(fd int) (uint32, error) {
	linkType, err := unix.IoctlGetInt(fd, unix.BIOCGDLT)
	if err != nil {
		return 0xffffffff, fmt.Errorf("failed to get link type: %w", err)
	}
	return uint32(linkType), nil
}

// getEndianness discover the endianness of our current system
func getEndianness() (binary.ByteOrder, error) {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		return binary.LittleEndian, nil
	case [2]byte{0xAB, 0xCD}:
		return binary.BigEndian, nil
	default:
		return nil, errors.New("could not determine native endianness")
	}
}
