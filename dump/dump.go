// Package dump prints captured frames: as the capture record, as a hex dump,
// as UTF-8 text, or as a one-line protocol summary.
package dump

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/gopacket/gopacket"

	"github.com/packetcap/go-sniff/decode"
)

// Mode selects how frames are printed
type Mode string

const (
	ModeRaw   Mode = "raw"
	ModeHex   Mode = "hex"
	ModeText  Mode = "text"
	ModeProto Mode = "proto"

	timeFormat = "15:04:05.000000"
)

// ErrUnknownMode is returned for a mode name that is not one of Modes.
var ErrUnknownMode = errors.New("unknown output mode")

// Modes every mode, in the order they are listed in help output
func Modes() []Mode {
	return []Mode{ModeRaw, ModeHex, ModeText, ModeProto}
}

// ParseMode case-insensitive lookup of a mode name
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Options shared by the printers
type Options struct {
	// LinkType of the frames, needed to decode them in proto mode
	LinkType uint32
	// TCPOnly drops everything but TCP segments in proto mode
	TCPOnly bool
	// Color forces coloured proto output even when w is not a terminal
	Color bool
}

// Printer writes one frame. n is the frame's sequence number in the capture.
type Printer interface {
	Print(w io.Writer, n int, data []byte, ci gopacket.CaptureInfo) error
}

// NewPrinter for the mode. The proto printer holds a decoder, so a printer
// must not be shared between goroutines.
func NewPrinter(mode Mode, opts Options) (Printer, error) {
	switch mode {
	case ModeRaw:
		return rawPrinter{}, nil
	case ModeHex:
		return hexPrinter{}, nil
	case ModeText:
		return textPrinter{}, nil
	case ModeProto:
		dec, err := decode.NewDecoder(opts.LinkType)
		if err != nil {
			return nil, err
		}
		return newProtoPrinter(dec, opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

type rawPrinter struct{}

// Print the capture record as it came off the device
func (rawPrinter) Print(w io.Writer, n int, data []byte, ci gopacket.CaptureInfo) error {
	_, err := fmt.Fprintf(w, "received packet! %d ts=%s caplen=%d len=%d data=%v\n",
		n, ci.Timestamp.Format(time.RFC3339Nano), ci.CaptureLength, ci.Length, data)
	return err
}

func header(w io.Writer, n int, ci gopacket.CaptureInfo) error {
	_, err := fmt.Fprintf(w, "#%d %s caplen=%d len=%d\n", n, ci.Timestamp.Format(timeFormat), ci.CaptureLength, ci.Length)
	return err
}

type hexPrinter struct{}

func (hexPrinter) Print(w io.Writer, n int, data []byte, ci gopacket.CaptureInfo) error {
	if err := header(w, n, ci); err != nil {
		return err
	}
	_, err := io.WriteString(w, hex.Dump(data))
	return err
}

type textPrinter struct{}

func (textPrinter) Print(w io.Writer, n int, data []byte, ci gopacket.CaptureInfo) error {
	if err := header(w, n, ci); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, Text(data))
	return err
}

// Text the frame read as UTF-8. Invalid sequences become U+FFFD, and runes that
// do not print, other than newline and tab, become '.'.
func Text(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		switch {
		case r == '\n' || r == '\t' || r == utf8.RuneError:
			b.WriteRune(r)
		case !unicode.IsPrint(r):
			b.WriteByte('.')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

type protoPrinter struct {
	dec     *decode.Decoder
	tcpOnly bool
	colors  map[string]*color.Color
	other   *color.Color
}

func newProtoPrinter(dec *decode.Decoder, opts Options) *protoPrinter {
	p := &protoPrinter{
		dec:     dec,
		tcpOnly: opts.TCPOnly,
		colors: map[string]*color.Color{
			"TCP":    color.New(color.FgGreen),
			"UDP":    color.New(color.FgCyan),
			"ICMPv4": color.New(color.FgYellow),
			"ICMPv6": color.New(color.FgYellow),
		},
		other: color.New(color.FgMagenta),
	}
	setColor(p.other, opts.Color)
	for _, c := range p.colors {
		setColor(c, opts.Color)
	}
	return p
}

func setColor(c *color.Color, on bool) {
	if on {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
}

// Print one summary line. A frame that does not fully decode is still printed,
// and the decode error is returned for the caller to count.
func (p *protoPrinter) Print(w io.Writer, n int, data []byte, ci gopacket.CaptureInfo) error {
	s, decodeErr := p.dec.Decode(data, ci)
	if p.tcpOnly && !s.IsTCP() {
		return decodeErr
	}
	line := fmt.Sprintf("%d %s %s", n, ci.Timestamp.Format(timeFormat), s)
	if decodeErr != nil {
		line += " (truncated)"
	}
	c, ok := p.colors[s.Transport]
	if !ok {
		c = p.other
	}
	if _, err := fmt.Fprintln(w, c.Sprint(line)); err != nil {
		return err
	}
	return decodeErr
}
