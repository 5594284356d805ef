package sniff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"

	"github.com/packetcap/go-sniff/filter"
)

// Packet a single packet returned by a listen call
type Packet struct {
	B     []byte
	Info  gopacket.CaptureInfo
	Error error
}

// Stats counters as reported by the capture backend. Not every backend
// tracks drops; those report zero.
type Stats struct {
	Received uint64
	Dropped  uint64
}

// source is one capture backend: a raw socket, a mapped ring, a bpf device or a file.
// readPacketData returns io.EOF once the backend is finished or its context is done.
type source interface {
	readPacketData() ([]byte, gopacket.CaptureInfo, error)
	setFilter(raw []bpf.RawInstruction) error
	stats() (Stats, error)
	close() error
}

// Handle an open capture. Implements https://godoc.org/github.com/gopacket/gopacket#PacketDataSource
// so you can pass it there.
type Handle struct {
	ctx      context.Context
	cancel   context.CancelFunc
	src      source
	device   string
	linkType uint32
	snaplen  int32
	close    sync.Once
	closed   atomic.Bool
	logger   *log.Entry
}

// OpenLive open a live capture on device. An empty device or "any" captures on all
// interfaces where the platform supports it. A timeout of 0 blocks until a frame
// arrives; otherwise reads return ErrTimeout after timeout without traffic.
// syscalls selects one read syscall per frame instead of the memory-mapped ring.
func OpenLive(ctx context.Context, device string, snaplen int32, promiscuous bool, timeout time.Duration, syscalls bool) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	snaplen = normalizeSnaplen(snaplen)
	logger := log.WithFields(log.Fields{
		"iface":       device,
		"snaplen":     snaplen,
		"promiscuous": promiscuous,
		"timeout":     timeout,
		"syscalls":    syscalls,
	})
	logger.Debug("opening live capture")

	ctx, cancel := context.WithCancel(ctx)
	src, linkType, err := openLive(ctx, device, snaplen, promiscuous, timeout, syscalls)
	if err != nil {
		cancel()
		return nil, err
	}
	h := &Handle{
		ctx:      ctx,
		cancel:   cancel,
		src:      src,
		device:   device,
		linkType: linkType,
		snaplen:  snaplen,
		logger:   logger,
	}
	logger.WithField("linktype", linkType).Debug("live capture open")
	return h, nil
}

func normalizeSnaplen(snaplen int32) int32 {
	switch {
	case snaplen <= 0:
		return DefaultSnaplen
	case snaplen > MaxSnaplen:
		return MaxSnaplen
	}
	return snaplen
}

// clip cut a frame down to snaplen; ci.Length keeps the wire length
func clip(data []byte, ci gopacket.CaptureInfo, snaplen int32) ([]byte, gopacket.CaptureInfo) {
	if snaplen <= 0 || len(data) <= int(snaplen) {
		return data, ci
	}
	if ci.Length < len(data) {
		ci.Length = len(data)
	}
	data = data[:snaplen]
	ci.CaptureLength = int(snaplen)
	return data, ci
}

func isAnyDevice(device string) bool {
	return device == "" || device == AnyDevice
}

// ReadPacketData returns the next frame. The returned slice belongs to the caller.
// Once the handle is closed or its context is done it returns io.EOF, which is what
// gopacket.PacketSource expects at the end of a stream.
func (h *Handle) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	if h.closed.Load() || h.ctx.Err() != nil {
		return nil, ci, io.EOF
	}
	data, ci, err = h.src.readPacketData()
	if err != nil && (h.closed.Load() || h.ctx.Err() != nil) {
		return nil, ci, io.EOF
	}
	return data, ci, err
}

// Listen simple one-step command to listen and send packets over a returned channel.
// A read timeout is delivered as a Packet carrying ErrTimeout and listening goes on;
// any other error is delivered once and ends the stream. The channel is closed when
// the stream ends, the handle is closed or its context is done.
func (h *Handle) Listen() <-chan Packet {
	c := make(chan Packet, listenBuffer)
	go func() {
		defer close(c)
		for {
			b, ci, err := h.ReadPacketData()
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case c <- Packet{B: b, Info: ci, Error: err}:
			case <-h.ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrTimeout) {
				h.logger.WithError(err).Debug("listener stopped")
				return
			}
		}
	}()
	return c
}

// SetBPFFilter compile a tcpdump-style filter expression and attach it to the handle.
// A blank expression leaves the handle unfiltered.
func (h *Handle) SetBPFFilter(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	inst, err := CompileBPFFilter(expr, h.linkType)
	if err != nil {
		return err
	}
	raw, err := bpf.Assemble(inst)
	if err != nil {
		return fmt.Errorf("unable to assemble filter %q: %w", expr, err)
	}
	if err := h.src.setFilter(raw); err != nil {
		return err
	}
	h.logger.WithField("filter", expr).Debug("filter attached")
	return nil
}

// CompileBPFFilter compile a tcpdump-style expression into classic BPF for the given link type.
func CompileBPFFilter(expr string, linkType uint32) ([]bpf.Instruction, error) {
	e := filter.NewExpression(expr)
	if e == nil {
		return nil, errors.New("empty filter expression")
	}
	f, err := e.Compile()
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
	}
	inst, err := f.Compile(linkType)
	if err != nil {
		return nil, fmt.Errorf("unable to compile filter %q: %w", expr, err)
	}
	return inst, nil
}

// LinkType return the link type, compliant with pcap-linktype(7) and http://www.tcpdump.org/linktypes.html.
func (h *Handle) LinkType() uint32 {
	return h.linkType
}

// Snaplen the maximum number of bytes kept from each frame.
func (h *Handle) Snaplen() int32 {
	return h.snaplen
}

// Device the name the handle was opened with.
func (h *Handle) Device() string {
	return h.device
}

// Stats return backend counters.
func (h *Handle) Stats() (Stats, error) {
	if h.closed.Load() {
		return Stats{}, ErrHandleClosed
	}
	return h.src.stats()
}

// Close close sockets and release resources.
// Close is idempotent, and uses sync.Once to ensure it only runs once.
func (h *Handle) Close() {
	h.close.Do(func() {
		h.closed.Store(true)
		// cancel first, so a read blocked in the backend wakes up before its descriptor goes away
		h.cancel()
		if err := h.src.close(); err != nil {
			h.logger.WithError(err).Debug("error closing capture")
		}
		h.logger.Debug("closed")
	})
}
