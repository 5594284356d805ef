// Package decode does a single pass over the fixed-layout headers of a frame:
// link layer, then IPv4 or IPv6, then the transport header. Nothing is kept
// between frames.
package decode

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	// ErrTruncated is wrapped by Decode when a header is cut short or malformed.
	// The summary returned with it holds whatever decoded before the bad header.
	ErrTruncated = errors.New("truncated or malformed frame")
	// ErrLinkType is returned by NewDecoder for link types it has no first layer for.
	ErrLinkType = errors.New("unsupported link type")
)

// Summary the addresses and header fields of one frame
type Summary struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int

	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	EtherType layers.EthernetType
	VLAN      uint16

	// Network is "IPv4", "IPv6", "ARP" or the name of the ether type
	Network string
	SrcIP   net.IP
	DstIP   net.IP

	// Transport is "TCP", "UDP", "ICMPv4", "ICMPv6" or the IP protocol name; empty for non-IP
	Transport     string
	SrcPort       uint16
	DstPort       uint16
	TCPFlags      string
	Seq           uint32
	Ack           uint32
	Window        uint16
	PayloadLength int
}

// IsTCP true for TCP segments over IPv4 or IPv6
func (s Summary) IsTCP() bool {
	return s.Transport == "TCP"
}

// Flow "src:port -> dst:port"; ports are left out for transports without them
func (s Summary) Flow() string {
	if s.SrcIP == nil {
		if s.SrcMAC != nil {
			return fmt.Sprintf("%s -> %s", s.SrcMAC, s.DstMAC)
		}
		return ""
	}
	if s.Transport != "TCP" && s.Transport != "UDP" {
		return fmt.Sprintf("%s -> %s", s.SrcIP, s.DstIP)
	}
	return fmt.Sprintf("%s -> %s",
		net.JoinHostPort(s.SrcIP.String(), strconv.Itoa(int(s.SrcPort))),
		net.JoinHostPort(s.DstIP.String(), strconv.Itoa(int(s.DstPort))))
}

func (s Summary) String() string {
	var b strings.Builder
	switch {
	case s.Transport != "":
		b.WriteString(s.Transport)
	case s.Network != "":
		b.WriteString(s.Network)
	default:
		b.WriteString("unknown")
	}
	if flow := s.Flow(); flow != "" {
		b.WriteString(" ")
		b.WriteString(flow)
	}
	if s.IsTCP() {
		fmt.Fprintf(&b, " [%s] seq=%d ack=%d win=%d", s.TCPFlags, s.Seq, s.Ack, s.Window)
	}
	if s.Transport == "TCP" || s.Transport == "UDP" {
		fmt.Fprintf(&b, " len=%d", s.PayloadLength)
	}
	return b.String()
}

// Decoder reuses its layers between frames, so it must not be shared between goroutines.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth     layers.Ethernet
	loop    layers.Loopback
	dot1q   layers.Dot1Q
	arp     layers.ARP
	ip4     layers.IPv4
	ip6     layers.IPv6
	ext     layers.IPv6ExtensionSkipper
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload
}

// NewDecoder for frames of the given pcap link type: Ethernet or BSD loopback.
func NewDecoder(linkType uint32) (*Decoder, error) {
	var first gopacket.LayerType
	switch layers.LinkType(linkType) {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		first = layers.LayerTypeLoopback
	default:
		return nil, fmt.Errorf("%w: %d", ErrLinkType, linkType)
	}
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 8)}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.loop, &d.dot1q, &d.arp, &d.ip4, &d.ip6, &d.ext,
		&d.tcp, &d.udp, &d.icmp4, &d.icmp6, &d.payload)
	// layers we have no decoder for (DNS, GRE, ...) just end the walk
	d.parser.IgnoreUnsupported = true
	return d, nil
}

// Decode one frame. On a bad header the partial summary is returned together
// with an error wrapping ErrTruncated.
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) (Summary, error) {
	s := Summary{
		Timestamp:     ci.Timestamp,
		CaptureLength: ci.CaptureLength,
		Length:        ci.Length,
	}
	err := d.parser.DecodeLayers(data, &d.decoded)
	for _, lt := range d.decoded {
		d.fill(&s, lt)
	}
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return s, nil
}

func (d *Decoder) fill(s *Summary, lt gopacket.LayerType) {
	switch lt {
	case layers.LayerTypeEthernet:
		s.SrcMAC = append(net.HardwareAddr(nil), d.eth.SrcMAC...)
		s.DstMAC = append(net.HardwareAddr(nil), d.eth.DstMAC...)
		s.EtherType = d.eth.EthernetType
		s.Network = d.eth.EthernetType.String()
	case layers.LayerTypeLoopback:
		s.Network = d.loop.Family.String()
	case layers.LayerTypeDot1Q:
		s.VLAN = d.dot1q.VLANIdentifier
		s.EtherType = d.dot1q.Type
		s.Network = d.dot1q.Type.String()
	case layers.LayerTypeARP:
		s.Network = "ARP"
		s.SrcIP = copyIP(d.arp.SourceProtAddress)
		s.DstIP = copyIP(d.arp.DstProtAddress)
	case layers.LayerTypeIPv4:
		s.Network = "IPv4"
		s.SrcIP = copyIP(d.ip4.SrcIP)
		s.DstIP = copyIP(d.ip4.DstIP)
		s.Transport = otherTransport(d.ip4.Protocol)
	case layers.LayerTypeIPv6:
		s.Network = "IPv6"
		s.SrcIP = copyIP(d.ip6.SrcIP)
		s.DstIP = copyIP(d.ip6.DstIP)
		s.Transport = otherTransport(d.ip6.NextHeader)
	case layers.LayerTypeIPv6HopByHop, layers.LayerTypeIPv6Routing, layers.LayerTypeIPv6Fragment, layers.LayerTypeIPv6Destination:
		s.Transport = otherTransport(d.ext.NextHeader)
	case layers.LayerTypeTCP:
		s.Transport = "TCP"
		s.SrcPort = uint16(d.tcp.SrcPort)
		s.DstPort = uint16(d.tcp.DstPort)
		s.TCPFlags = tcpFlags(&d.tcp)
		s.Seq = d.tcp.Seq
		s.Ack = d.tcp.Ack
		s.Window = d.tcp.Window
		s.PayloadLength = len(d.tcp.LayerPayload())
	case layers.LayerTypeUDP:
		s.Transport = "UDP"
		s.SrcPort = uint16(d.udp.SrcPort)
		s.DstPort = uint16(d.udp.DstPort)
		s.PayloadLength = len(d.udp.LayerPayload())
	case layers.LayerTypeICMPv4:
		s.Transport = "ICMPv4"
	case layers.LayerTypeICMPv6:
		s.Transport = "ICMPv6"
	}
}

// otherTransport name IP protocols that have no decoder here. The decoded ones are
// named once their header is read, so a cut-off TCP header never looks like TCP.
func otherTransport(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4, layers.IPProtocolICMPv6,
		layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Fragment, layers.IPProtocolIPv6Destination:
		return ""
	}
	return p.String()
}

func copyIP(ip []byte) net.IP {
	if len(ip) == 0 {
		return nil
	}
	return append(net.IP(nil), ip...)
}

func tcpFlags(t *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{t.FIN, "FIN"}, {t.SYN, "SYN"}, {t.RST, "RST"}, {t.PSH, "PSH"},
		{t.ACK, "ACK"}, {t.URG, "URG"}, {t.ECE, "ECE"}, {t.CWR, "CWR"}, {t.NS, "NS"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, ",")
}
