package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	sniff "github.com/packetcap/go-sniff"
	"github.com/packetcap/go-sniff/config"
	"github.com/packetcap/go-sniff/decode"
	"github.com/packetcap/go-sniff/dump"
	"github.com/packetcap/go-sniff/metrics"
)

const statsInterval = 5 * time.Second

// capture open the configured source and print each packet until the count,
// the timeout, the end of the file or a signal.
func (a *app) capture(ctx context.Context, args []string) error {
	cfg := a.cfg
	if len(args) > 0 {
		cfg.Filter = strings.Join(args, " ")
	}
	mode, err := dump.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	// everything started below stops when the capture returns
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.Timeout)
		defer cancelTimeout()
	}

	handle, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer handle.Close()
	if err := handle.SetBPFFilter(cfg.Filter); err != nil {
		return fmt.Errorf("unexpected error setting filter: %w", err)
	}
	logger := log.WithFields(log.Fields{"iface": handle.Device(), "mode": mode, "filter": cfg.Filter})

	printer, err := dump.NewPrinter(mode, dump.Options{LinkType: handle.LinkType(), TCPOnly: cfg.TCPOnly, Color: cfg.Color})
	if err != nil {
		return err
	}

	var writer *sniff.Writer
	if cfg.Write != "" {
		f, err := os.Create(cfg.Write)
		if err != nil {
			return fmt.Errorf("unable to create %s: %w", cfg.Write, err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				logger.WithError(err).Warn("error closing pcap file")
			}
		}()
		buf := bufio.NewWriter(f)
		defer func() {
			if err := buf.Flush(); err != nil {
				logger.WithError(err).Warn("error flushing pcap file")
			}
		}()
		if writer, err = sniff.NewWriter(buf, handle.Snaplen(), handle.LinkType()); err != nil {
			return err
		}
	}

	var obs *observer
	if cfg.MetricsAddr != "" {
		if obs, err = startMetrics(ctx, cfg.MetricsAddr, handle); err != nil {
			return err
		}
	}

	logger.Info("capturing")
	var (
		packets <-chan sniff.Packet
		readErr = func() error { return nil }
	)
	if cfg.Gopacket {
		packets, readErr = packetSource(ctx, handle, handle.LinkType(), obs)
	} else {
		packets = handle.Listen()
	}

	count := 0
	defer func() {
		fields := log.Fields{"packets": count}
		if writer != nil {
			fields["written"] = writer.Count()
		}
		if stats, err := handle.Stats(); err == nil {
			fields["received"], fields["dropped"] = stats.Received, stats.Dropped
		}
		logger.WithFields(fields).Info("capture finished")
	}()
	for {
		var (
			p  sniff.Packet
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case p, ok = <-packets:
		}
		if !ok {
			if err := readErr(); err != nil {
				return fmt.Errorf("error reading packet: %w", err)
			}
			return nil
		}
		if p.Error != nil {
			if errors.Is(p.Error, sniff.ErrTimeout) {
				continue
			}
			obs.readError()
			return fmt.Errorf("error reading packet: %w", p.Error)
		}
		count++
		if writer != nil {
			if err := writer.WritePacket(p.Info, p.B); err != nil {
				return err
			}
		}
		if err := printer.Print(a.out, count, p.B, p.Info); err != nil {
			if !errors.Is(err, decode.ErrTruncated) {
				return fmt.Errorf("unable to print packet: %w", err)
			}
			logger.WithError(err).WithField("packet", count).Debug("undecodable packet")
		}
		obs.observe(p)
		if cfg.Count > 0 && count >= cfg.Count {
			return nil
		}
	}
}

// open the file to replay, or the interface, which defaults to the first one up
func open(ctx context.Context, cfg *config.Config) (*sniff.Handle, error) {
	if cfg.Read != "" {
		return sniff.OpenOffline(cfg.Read)
	}
	iface := cfg.Interface
	if iface == "" {
		dev, err := sniff.LookupDev()
		if err != nil {
			return nil, fmt.Errorf("no interface given and no default: %w", err)
		}
		iface = dev.Name
	}
	handle, err := sniff.OpenLive(ctx, iface, int32(cfg.Snaplen), cfg.Promiscuous, cfg.ReadTimeout, cfg.Syscalls)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", iface, err)
	}
	return handle, nil
}

// packetSource read through gopacket, for callers that want decoded packets; the
// printers only need the bytes back. The returned func reports the read error that
// ended the stream, if any.
func packetSource(ctx context.Context, handle gopacket.PacketDataSource, linkType uint32, obs *observer) (<-chan sniff.Packet, func() error) {
	rs := &recordingSource{ctx: ctx, src: handle, obs: obs}
	src := gopacket.NewPacketSource(rs, layers.LinkType(linkType))
	src.Lazy = true
	out := make(chan sniff.Packet)
	go func() {
		defer close(out)
		packets := src.Packets()
		for packet := range packets {
			select {
			case out <- sniff.Packet{B: packet.Data(), Info: packet.Metadata().CaptureInfo}:
			case <-ctx.Done():
				// rs now returns io.EOF, so the PacketSource closes its channel
				for range packets {
				}
				return
			}
		}
	}()
	return out, rs.lastError
}

// recordingSource end the stream on the first read error that is not a timeout, which
// gopacket.PacketSource would otherwise retry forever, and keep it for the caller.
type recordingSource struct {
	ctx context.Context
	src gopacket.PacketDataSource
	obs *observer
	mu  sync.Mutex
	err error
}

func (r *recordingSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if r.ctx.Err() != nil {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data, ci, err := r.src.ReadPacketData()
	if err == nil || errors.Is(err, sniff.ErrTimeout) || errors.Is(err, io.EOF) {
		return data, ci, err
	}
	r.obs.readError()
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	return nil, ci, io.EOF
}

func (r *recordingSource) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// observer feed the collectors; a nil observer does nothing
type observer struct {
	collectors *metrics.Collectors
	decoder    *decode.Decoder
}

func startMetrics(ctx context.Context, addr string, handle *sniff.Handle) (*observer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	o := &observer{collectors: c}
	if o.decoder, err = decode.NewDecoder(handle.LinkType()); err != nil {
		log.WithError(err).Warn("packets will be counted without protocol labels")
	}
	go func() {
		if err := metrics.Serve(ctx, addr, reg); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			stats, err := handle.Stats()
			if err != nil {
				return
			}
			c.SetKernelStats(stats.Received, stats.Dropped)
		}
	}()
	return o, nil
}

func (o *observer) observe(p sniff.Packet) {
	if o == nil {
		return
	}
	if o.decoder == nil {
		o.collectors.Observe(decode.Summary{CaptureLength: len(p.B)}, nil)
		return
	}
	o.collectors.Observe(o.decoder.Decode(p.B, p.Info))
}

func (o *observer) readError() {
	if o != nil {
		o.collectors.ReadError()
	}
}
