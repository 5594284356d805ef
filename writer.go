package sniff

import (
	"fmt"
	"io"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// Writer saves frames to a pcap stream.
type Writer struct {
	w     *pcapgo.Writer
	count int
}

// NewWriter write the pcap file header to w and return a Writer for the frames.
func NewWriter(w io.Writer, snaplen int32, linkType uint32) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(normalizeSnaplen(snaplen)), layers.LinkType(linkType)); err != nil {
		return nil, fmt.Errorf("unable to write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// WritePacket append one frame. ci.CaptureLength must match len(data).
func (w *Writer) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if ci.CaptureLength != len(data) {
		ci.CaptureLength = len(data)
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("unable to write packet: %w", err)
	}
	w.count++
	return nil
}

// Count frames written so far.
func (w *Writer) Count() int {
	return w.count
}
