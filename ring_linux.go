//go:build linux && cgo

package sniff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/afpacket"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
)

const (
	ringBlockBytes = 1 << 20
	ringNumBlocks  = 32
	// room for the tpacket3 header and sockaddr_ll in front of each frame
	ringFrameOverhead = 128
)

// ringSource reads from a TPACKET_V3 ring mapped by gopacket/afpacket.
type ringSource struct {
	mu sync.Mutex
	// statsMu guards SocketStats, which may run while a read holds mu
	statsMu  sync.Mutex
	ctx      context.Context
	tp       *afpacket.TPacket
	snaplen  int32
	timeout  time.Duration
	closed   bool
	filterAt atomic.Int64 // unix nanos the filter went on; older frames in the ring predate it
	// promisc is the link we switched into promiscuous mode, restored on close
	promisc netlink.Link
}

func openRing(ctx context.Context, device string, snaplen int32, promiscuous bool, timeout time.Duration) (source, uint32, error) {
	frameSize, blockSize := ringSizes(snaplen, os.Getpagesize())
	opts := []interface{}{
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(ringNumBlocks),
		afpacket.OptPollTimeout(pollInterval),
		afpacket.TPacketVersion3,
	}
	if !isAnyDevice(device) {
		opts = append(opts, afpacket.OptInterface(device))
	}
	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to set up ring on %q: %w", device, err)
	}
	r := &ringSource{
		ctx:     ctx,
		tp:      tp,
		snaplen: snaplen,
		timeout: timeout,
	}
	if promiscuous {
		if isAnyDevice(device) {
			log.Warn("promiscuous mode is not supported when capturing on all interfaces, ignoring")
		} else if err := r.setPromisc(device); err != nil {
			tp.Close()
			return nil, 0, err
		}
	}
	return r, LinkTypeEthernet, nil
}

// ringSizes pick a page-aligned frame that holds snaplen plus headers, and a block
// of about ringBlockBytes made of whole frames.
func ringSizes(snaplen int32, pageSize int) (frameSize, blockSize int) {
	need := int(snaplen) + ringFrameOverhead
	frameSize = ((need + pageSize - 1) / pageSize) * pageSize
	perBlock := ringBlockBytes / frameSize
	if perBlock < 1 {
		perBlock = 1
	}
	return frameSize, frameSize * perBlock
}

func (r *ringSource) setPromisc(device string) error {
	link, err := netlink.LinkByName(device)
	if err != nil {
		return fmt.Errorf("unknown interface %s: %w", device, err)
	}
	if link.Attrs().Promisc == 1 {
		// already promiscuous; leave it the way we found it
		return nil
	}
	if err := netlink.SetPromiscOn(link); err != nil {
		return fmt.Errorf("failed to set promiscuous for %s: %w", device, err)
	}
	r.promisc = link
	return nil
}

func (r *ringSource) readPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var waited time.Duration
	for {
		if r.closed || r.ctx.Err() != nil {
			return nil, ci, io.EOF
		}
		data, ci, err = r.tp.ReadPacketData()
		switch {
		case err == nil:
			if ci.Timestamp.UnixNano() < r.filterAt.Load() {
				continue
			}
			// ring frames are page sized, so the kernel hands over more than snaplen
			data, ci = clip(data, ci, r.snaplen)
			return data, ci, nil
		case errors.Is(err, afpacket.ErrTimeout):
			waited += pollInterval
			if r.timeout > 0 && waited >= r.timeout {
				return nil, ci, ErrTimeout
			}
		default:
			return nil, ci, fmt.Errorf("error reading ring: %w", err)
		}
	}
}

func (r *ringSource) setFilter(raw []bpf.RawInstruction) error {
	if err := r.tp.SetBPF(raw); err != nil {
		return fmt.Errorf("unable to set filter: %w", err)
	}
	r.filterAt.Store(time.Now().UnixNano())
	return nil
}

func (r *ringSource) stats() (Stats, error) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	_, v3, err := r.tp.SocketStats()
	if err != nil {
		return Stats{}, fmt.Errorf("unable to read socket statistics: %w", err)
	}
	return Stats{Received: uint64(v3.Packets()), Dropped: uint64(v3.Drops())}, nil
}

func (r *ringSource) close() error {
	// a pending read notices cancellation within one poll interval and releases the lock
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.tp.Close()
	if r.promisc != nil {
		if err := netlink.SetPromiscOff(r.promisc); err != nil {
			return fmt.Errorf("failed to restore %s: %w", r.promisc.Attrs().Name, err)
		}
	}
	return nil
}
