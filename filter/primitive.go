package filter

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// primitive implements Filter
type primitive struct {
	kind        filterKind
	direction   filterDirection
	protocol    filterProtocol
	subProtocol filterSubProtocol
	negator     bool
	id          string
	// unsupported keyword seen while parsing, reported at compile time
	unsupported string
}

// etherProtocols names accepted by "ether proto"
var etherProtocols = map[string]uint32{
	"ip":   etherTypeIPv4,
	"ip6":  etherTypeIPv6,
	"arp":  etherTypeArp,
	"rarp": etherTypeRarp,
}

func (p primitive) IsPrimitive() bool {
	return true
}

func (p primitive) Equal(o Filter) bool {
	if o == nil {
		return false
	}
	var op primitive
	switch v := o.(type) {
	case primitive:
		op = v
	case *primitive:
		if v == nil {
			return false
		}
		op = *v
	default:
		return false
	}
	return p.kind == op.kind &&
		p.direction == op.direction &&
		p.protocol == op.protocol &&
		p.subProtocol == op.subProtocol &&
		p.negator == op.negator &&
		p.id == op.id &&
		p.unsupported == op.unsupported
}

// onlyNegated true if nothing but "not" has been seen
func (p primitive) onlyNegated() bool {
	return p.kind == filterKindUnset &&
		p.direction == filterDirectionUnset &&
		p.protocol == filterProtocolUnset &&
		p.subProtocol == filterSubProtocolUnset &&
		p.id == "" &&
		p.unsupported == ""
}

// Compile the primitive into a complete program for the given link type
func (p primitive) Compile(linkType uint32) ([]bpf.Instruction, error) {
	if err := checkLinkType(linkType); err != nil {
		return nil, err
	}
	t, err := p.test(linkType)
	if err != nil {
		return nil, err
	}
	return compileTest(t)
}

// test build the matching code, including the negation
func (p primitive) test(linkType uint32) (test, error) {
	if p.unsupported != "" {
		return nil, fmt.Errorf("%s: %w", p.unsupported, ErrUnsupported)
	}
	switch p.direction {
	case filterDirectionRa, filterDirectionTa, filterDirectionAddr1, filterDirectionAddr2, filterDirectionAddr3, filterDirectionAddr4:
		return nil, fmt.Errorf("802.11 address qualifiers: %w", ErrUnsupported)
	}
	switch p.protocol {
	case filterProtocolFddi, filterProtocolTr, filterProtocolWlan, filterProtocolDecnet:
		return nil, fmt.Errorf("protocol qualifier: %w", ErrUnsupported)
	}

	var (
		t   test
		err error
	)
	switch p.kind {
	case filterKindUnset:
		t, err = p.protocolTest(linkType)
	case filterKindHost:
		t, err = p.hostTest(linkType)
	case filterKindNet:
		t, err = p.netTest(linkType)
	case filterKindPort, filterKindPortRange:
		t, err = p.portTest(linkType)
	default:
		err = fmt.Errorf("kind %d: %w", p.kind, ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	if p.negator {
		t = not(t)
	}
	return t, nil
}

// subProtocolNumber the IP protocol number for the sub-protocol, which may be given numerically
func (p primitive) subProtocolNumber() (uint32, error) {
	if p.subProtocol != filterSubProtocolUnknown {
		return ipProtocols[p.subProtocol], nil
	}
	n, err := strconv.ParseUint(strings.TrimLeft(p.id, "\\"), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol: %s", p.id)
	}
	return uint32(n), nil
}

// protocolTest for primitives with no kind, e.g. "tcp", "ip6", "ip proto 47"
func (p primitive) protocolTest(linkType uint32) (test, error) {
	if p.id != "" && p.subProtocol != filterSubProtocolUnknown {
		return nil, fmt.Errorf("parse error: unexpected %q", p.id)
	}
	if p.protocol == filterProtocolEther {
		return p.etherProtoTest(linkType)
	}
	if p.subProtocol == filterSubProtocolUnset {
		switch p.protocol {
		case filterProtocolIP:
			return etherType(linkType, etherTypeIPv4), nil
		case filterProtocolIP6:
			return etherType(linkType, etherTypeIPv6), nil
		case filterProtocolArp:
			return etherType(linkType, etherTypeArp), nil
		case filterProtocolRarp:
			return etherType(linkType, etherTypeRarp), nil
		}
		return nil, errors.New("parse error: empty primitive")
	}

	num, err := p.subProtocolNumber()
	if err != nil {
		return nil, err
	}
	v4 := allOf(etherType(linkType, etherTypeIPv4), ip4Protocol(linkType, num))
	v6 := allOf(etherType(linkType, etherTypeIPv6), ip6Protocol(linkType, num))
	switch p.protocol {
	case filterProtocolIP:
		return v4, nil
	case filterProtocolIP6:
		return v6, nil
	case filterProtocolArp, filterProtocolRarp:
		return nil, errors.New("parse error: arp has no sub-protocols")
	}
	switch p.subProtocol {
	case filterSubProtocolIcmp, filterSubProtocolIgmp, filterSubProtocolVrrp:
		return v4, nil
	case filterSubProtocolIcmp6:
		return v6, nil
	}
	return anyOf(v4, v6), nil
}

// etherProtoTest for "ether proto X"
func (p primitive) etherProtoTest(linkType uint32) (test, error) {
	if p.subProtocol != filterSubProtocolUnknown {
		return nil, errors.New("parse error: ether needs proto or host")
	}
	name := strings.TrimLeft(p.id, "\\")
	if val, ok := etherProtocols[name]; ok {
		return etherType(linkType, val), nil
	}
	n, err := strconv.ParseUint(name, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("unknown ether protocol: %s", p.id)
	}
	return etherType(linkType, uint32(n)), nil
}

// withSubProtocol require the IP sub-protocol too, when one was given
func (p primitive) withSubProtocol(linkType uint32, t test) (test, error) {
	if p.subProtocol == filterSubProtocolUnset {
		return t, nil
	}
	proto := p
	proto.kind = filterKindUnset
	proto.direction = filterDirectionUnset
	proto.id = ""
	proto.protocol = filterProtocolUnset
	sub, err := proto.protocolTest(linkType)
	if err != nil {
		return nil, err
	}
	return allOf(sub, t), nil
}

func (p primitive) hostTest(linkType uint32) (test, error) {
	if p.protocol == filterProtocolEther {
		if p.id == "" {
			return nil, errors.New("blank host")
		}
		mac, err := net.ParseMAC(p.id)
		if err != nil || len(mac) != 6 {
			return nil, fmt.Errorf("invalid ether host: %s", p.id)
		}
		if linkType != LinkTypeEthernet {
			return never, nil
		}
		return directional(p.direction, etherAddress(mac))
	}
	ips, err := resolveHost(p.id)
	if err != nil {
		return nil, err
	}
	var candidates []test
	for _, ip := range ips {
		bits := 128
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 32
		}
		t, err := p.addressTest(linkType, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, t)
	}
	return p.withSubProtocol(linkType, anyOf(candidates...))
}

func (p primitive) netTest(linkType uint32) (test, error) {
	if p.id == "" {
		return nil, errors.New("blank net")
	}
	_, network, err := getNetAndMask(p.id)
	if err != nil {
		return nil, err
	}
	t, err := p.addressTest(linkType, network)
	if err != nil {
		return nil, err
	}
	return p.withSubProtocol(linkType, t)
}

// addressTest match an IPv4 or IPv6 network in the headers the protocol qualifier allows
func (p primitive) addressTest(linkType uint32, network *net.IPNet) (test, error) {
	off := linkTypeOffset(linkType)
	if network.IP.To4() == nil {
		switch p.protocol {
		case filterProtocolUnset, filterProtocolIP6:
		default:
			return never, nil
		}
		addr, err := directional(p.direction, ip6Address(linkType, network))
		if err != nil {
			return nil, err
		}
		return allOf(etherType(linkType, etherTypeIPv6), addr), nil
	}

	ip, err := directional(p.direction, ip4Address(off+12, off+16, network))
	if err != nil {
		return nil, err
	}
	// ARP sender protocol address at 14, target at 24
	arp, err := directional(p.direction, ip4Address(off+14, off+24, network))
	if err != nil {
		return nil, err
	}
	ipTest := allOf(etherType(linkType, etherTypeIPv4), ip)
	arpTest := allOf(etherType(linkType, etherTypeArp), arp)
	rarpTest := allOf(etherType(linkType, etherTypeRarp), arp)
	switch p.protocol {
	case filterProtocolIP:
		return ipTest, nil
	case filterProtocolArp:
		return arpTest, nil
	case filterProtocolRarp:
		return rarpTest, nil
	case filterProtocolIP6:
		return never, nil
	}
	return anyOf(ipTest, arpTest, rarpTest), nil
}

// portProtocols the transport protocols a port primitive applies to
func (p primitive) portProtocols() ([]uint32, error) {
	switch p.subProtocol {
	case filterSubProtocolUnset:
		return []uint32{ipProtocolTCP, ipProtocolUDP, ipProtocolSctp}, nil
	case filterSubProtocolTCP, filterSubProtocolUDP, filterSubProtocolSctp:
		return []uint32{ipProtocols[p.subProtocol]}, nil
	}
	return nil, errors.New("parse error: ports need tcp, udp or sctp")
}

// parsePort a port number or service name
func (p primitive) parsePort(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint32(n), nil
	}
	networks := []string{"tcp", "udp"}
	if p.subProtocol == filterSubProtocolUDP {
		networks = []string{"udp"}
	}
	for _, network := range networks {
		if port, err := net.LookupPort(network, s); err == nil {
			return uint32(port), nil
		}
	}
	return 0, fmt.Errorf("unknown port: %s", s)
}

func (p primitive) portRange() (lo, hi uint32, err error) {
	if p.id == "" {
		return 0, 0, errors.New("blank port")
	}
	if p.kind == filterKindPort {
		lo, err = p.parsePort(p.id)
		return lo, lo, err
	}
	first, last, ok := strings.Cut(p.id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid portrange: %s", p.id)
	}
	if lo, err = p.parsePort(first); err != nil {
		return 0, 0, err
	}
	if hi, err = p.parsePort(last); err != nil {
		return 0, 0, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

func (p primitive) portTest(linkType uint32) (test, error) {
	lo, hi, err := p.portRange()
	if err != nil {
		return nil, err
	}
	nums, err := p.portProtocols()
	if err != nil {
		return nil, err
	}
	off := linkTypeOffset(linkType)

	var v4Protos, v6Protos []test
	for _, n := range nums {
		v4Protos = append(v4Protos, ip4Protocol(linkType, n))
		v6Protos = append(v6Protos, ip6NextHeader(linkType, n))
	}
	// IPv4 ports sit after a variable length header, so they are loaded relative to X
	v4Ports, err := directional(p.direction, func(src bool) test {
		portOff := off + 2
		if src {
			portOff = off
		}
		return portCompare(bpf.LoadIndirect{Off: portOff, Size: lengthHalf}, lo, hi)
	})
	if err != nil {
		return nil, err
	}
	v6Ports, err := directional(p.direction, func(src bool) test {
		portOff := off + 42
		if src {
			portOff = off + 40
		}
		return portCompare(bpf.LoadAbsolute{Off: portOff, Size: lengthHalf}, lo, hi)
	})
	if err != nil {
		return nil, err
	}
	v4 := allOf(etherType(linkType, etherTypeIPv4), anyOf(v4Protos...), ip4Unfragmented(linkType), v4Ports)
	v6 := allOf(etherType(linkType, etherTypeIPv6), anyOf(v6Protos...), v6Ports)
	switch p.protocol {
	case filterProtocolIP:
		return v4, nil
	case filterProtocolIP6:
		return v6, nil
	case filterProtocolUnset:
		return anyOf(v4, v6), nil
	}
	return nil, errors.New("parse error: ports need ip or ip6")
}

// ip6NextHeader match the next header directly after the fixed IPv6 header
func ip6NextHeader(linkType, proto uint32) test {
	return func(p *program, match, nomatch label) error {
		p.load(linkTypeOffset(linkType)+6, lengthByte)
		p.jumpEqual(proto, match, nomatch)
		return nil
	}
}
