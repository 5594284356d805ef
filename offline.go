package sniff

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
)

const pcapngMagic uint32 = 0x0a0d0d0a

// fileSource replays a saved capture. Filters run in user space through the bpf VM.
type fileSource struct {
	mu     sync.Mutex
	ctx    context.Context
	reader gopacket.PacketDataSource
	file   io.Closer
	vm     *bpf.VM
	read   uint64
	kept   uint64
	logger *log.Entry
}

// OpenOffline open a saved pcap or pcapng capture. ReadPacketData returns io.EOF
// at the end of the file.
func OpenOffline(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open capture file: %w", err)
	}
	h, err := newOfflineHandle(context.Background(), f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

func newOfflineHandle(ctx context.Context, r io.ReadCloser, name string) (*Handle, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("unable to read capture header of %s: %w", name, err)
	}
	var (
		reader   gopacket.PacketDataSource
		linkType uint32
		snaplen  = MaxSnaplen
	)
	// the pcapng section header magic is a palindrome in both byte orders
	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("invalid pcapng file %s: %w", name, err)
		}
		reader, linkType = ng, uint32(ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("invalid pcap file %s: %w", name, err)
		}
		reader, linkType, snaplen = pr, uint32(pr.LinkType()), int32(pr.Snaplen())
	}
	ctx, cancel := context.WithCancel(ctx)
	logger := log.WithFields(log.Fields{
		"file":     name,
		"linktype": linkType,
	})
	logger.Debug("opened capture file")
	return &Handle{
		ctx:      ctx,
		cancel:   cancel,
		src:      &fileSource{ctx: ctx, reader: reader, file: r, logger: logger},
		device:   name,
		linkType: linkType,
		snaplen:  normalizeSnaplen(snaplen),
		logger:   logger,
	}, nil
}

func (s *fileSource) readPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.ctx.Err() != nil {
			return nil, ci, io.EOF
		}
		data, ci, err = s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.WithField("packets", s.read).Warn("capture file ends inside a record, treating it as the end")
				return nil, ci, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, ci, io.EOF
			}
			return nil, ci, fmt.Errorf("error reading capture file: %w", err)
		}
		s.read++
		if s.vm != nil {
			keep, err := s.vm.Run(data)
			if err != nil {
				return nil, ci, fmt.Errorf("error running filter: %w", err)
			}
			if keep == 0 {
				continue
			}
			if keep < len(data) {
				data = data[:keep]
				ci.CaptureLength = keep
			}
		}
		s.kept++
		// the pcapgo readers hand out fresh slices per packet, so no copy is needed
		return data, ci, nil
	}
}

func (s *fileSource) setFilter(raw []bpf.RawInstruction) error {
	inst, ok := bpf.Disassemble(raw)
	if !ok {
		return errors.New("unable to set filter: program has undecodable instructions")
	}
	vm, err := bpf.NewVM(inst)
	if err != nil {
		return fmt.Errorf("unable to set filter: %w", err)
	}
	s.mu.Lock()
	s.vm = vm
	s.mu.Unlock()
	return nil
}

// stats for a file, received counts records read and dropped counts records the filter rejected
func (s *fileSource) stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Received: s.read, Dropped: s.read - s.kept}, nil
}

func (s *fileSource) close() error {
	return s.file.Close()
}
