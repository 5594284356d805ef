package filter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/bpf"
)

// Compile take a filter string compatible with tcpdump at
// https://www.tcpdump.org/manpages/pcap-filter.7.html and return
// bpf instructions

const (
	// Link layer header sizes
	LinkTypeNull     uint32 = 0x0  // BSD loopback
	LinkTypeEthernet uint32 = 0x01 // Ethernet

	resolveTimeout = 5 * time.Second
)

// resolver looks up host names in "host" primitives; tests point it at a local server
var resolver = net.Resolver{}

// linkTypeOffset returns the link layer header size for a given link type
func linkTypeOffset(linkType uint32) uint32 {
	if linkType == LinkTypeNull {
		return 4 // BSD loopback header
	}
	return 14 // Ethernet header (default)
}

func checkLinkType(linkType uint32) error {
	switch linkType {
	case LinkTypeNull, LinkTypeEthernet:
		return nil
	}
	return fmt.Errorf("link type %d: %w", linkType, ErrUnsupported)
}

// etherType match frames carrying the given ether type. On BSD loopback the
// family word is in host order, so both byte orders are compared.
func etherType(linkType, val uint32) test {
	return func(p *program, match, nomatch label) error {
		if linkType != LinkTypeNull {
			p.load(12, lengthHalf) // EtherType at offset 12
			p.jumpEqual(val, match, nomatch)
			return nil
		}
		var families []uint32
		switch val {
		case etherTypeIPv4:
			families = []uint32{afInet}
		case etherTypeIPv6:
			families = afInet6
		default:
			// no ARP or anything else on loopback
			p.jump(nomatch)
			return nil
		}
		p.load(0, lengthWord)
		var candidates []uint32
		for _, f := range families {
			candidates = append(candidates, f, swap32(f))
		}
		for i, c := range candidates {
			if i == len(candidates)-1 {
				p.jumpEqual(c, match, nomatch)
				break
			}
			next := p.newLabel()
			p.jumpEqual(c, match, next)
			p.mark(next)
		}
		return nil
	}
}

func swap32(v uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

// ip4Protocol match the IPv4 protocol field
func ip4Protocol(linkType, proto uint32) test {
	return func(p *program, match, nomatch label) error {
		p.load(linkTypeOffset(linkType)+9, lengthByte)
		p.jumpEqual(proto, match, nomatch)
		return nil
	}
}

// ip6Protocol match the IPv6 next header, looking through one fragment header
func ip6Protocol(linkType, proto uint32) test {
	return func(p *program, match, nomatch label) error {
		off := linkTypeOffset(linkType)
		frag := p.newLabel()
		check := p.newLabel()
		p.load(off+6, lengthByte)
		p.jumpEqual(proto, match, check)
		p.mark(check)
		p.jumpEqual(ip6ContinuationPacket, frag, nomatch)
		p.mark(frag)
		p.load(off+40, lengthByte)
		p.jumpEqual(proto, match, nomatch)
		return nil
	}
}

// ip4Unfragmented match IPv4 packets that carry the start of their transport header,
// then load X with the IPv4 header length.
func ip4Unfragmented(linkType uint32) test {
	return func(p *program, match, nomatch label) error {
		off := linkTypeOffset(linkType)
		ok := p.newLabel()
		p.load(off+6, lengthHalf) // flags+fragment offset
		p.jumpIf(bpf.JumpBitsSet, jumpMask, nomatch, ok)
		p.mark(ok)
		p.emit(bpf.LoadMemShift{Off: off}) // X = IPv4 header length
		p.jump(match)
		return nil
	}
}

// directional combine a source and a destination check per the primitive direction
func directional(direction filterDirection, check func(src bool) test) (test, error) {
	switch direction {
	case filterDirectionSrc:
		return check(true), nil
	case filterDirectionDst:
		return check(false), nil
	case filterDirectionSrcOrDst, filterDirectionUnset:
		return anyOf(check(true), check(false)), nil
	case filterDirectionSrcAndDst:
		return allOf(check(true), check(false)), nil
	}
	return nil, fmt.Errorf("direction qualifier: %w", ErrUnsupported)
}

// word compare the 32-bit word at off, after masking it when mask is not all ones
func word(off, val, mask uint32) test {
	return func(p *program, match, nomatch label) error {
		p.load(off, lengthWord)
		if mask != 0xffffffff {
			p.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask})
		}
		p.jumpEqual(val&mask, match, nomatch)
		return nil
	}
}

// ip4Address compare the address at source or destination offset with a network
func ip4Address(srcOff, dstOff uint32, network *net.IPNet) func(src bool) test {
	addr := binary.BigEndian.Uint32(network.IP.To4())
	mask := binary.BigEndian.Uint32(net.IP(network.Mask).To4())
	return func(src bool) test {
		off := dstOff
		if src {
			off = srcOff
		}
		return word(off, addr, mask)
	}
}

// ip6Address compare the 128-bit address one word at a time, stopping at the prefix length
func ip6Address(linkType uint32, network *net.IPNet) func(src bool) test {
	ones, _ := network.Mask.Size()
	ip := network.IP.To16()
	return func(src bool) test {
		// IPv6 source address starts at offset 8 within the IP header, destination at 24
		start := linkTypeOffset(linkType) + 24
		if src {
			start = linkTypeOffset(linkType) + 8
		}
		var words []test
		for i := 0; i < 4 && i*bitsPerWord < ones; i++ {
			mask := uint32(0xffffffff)
			if rem := ones - i*bitsPerWord; rem < bitsPerWord {
				mask = ^uint32(0) << uint(bitsPerWord-rem)
			}
			words = append(words, word(start+uint32(i*4), binary.BigEndian.Uint32(ip[i*4:i*4+4]), mask))
		}
		if len(words) == 0 {
			return always
		}
		return allOf(words...)
	}
}

// etherAddress compare a MAC address, in two loads since it is 6 bytes long
func etherAddress(mac net.HardwareAddr) func(src bool) test {
	lastFour := binary.BigEndian.Uint32(mac[2:6])
	firstTwo := uint32(binary.BigEndian.Uint16(mac[0:2]))
	return func(src bool) test {
		off := uint32(0)
		if src {
			off = 6
		}
		return func(p *program, match, nomatch label) error {
			next := p.newLabel()
			p.load(off+2, lengthWord)
			p.jumpEqual(lastFour, next, nomatch)
			p.mark(next)
			p.load(off, lengthHalf)
			p.jumpEqual(firstTwo, match, nomatch)
			return nil
		}
	}
}

// portCompare compare the 16-bit port loaded by load against [lo, hi]
func portCompare(load bpf.Instruction, lo, hi uint32) test {
	return func(p *program, match, nomatch label) error {
		p.emit(load)
		if lo == hi {
			p.jumpEqual(lo, match, nomatch)
			return nil
		}
		upper := p.newLabel()
		p.jumpIf(bpf.JumpGreaterOrEqual, lo, upper, nomatch)
		p.mark(upper)
		p.jumpIf(bpf.JumpGreaterThan, hi, nomatch, match)
		return nil
	}
}

// getNetAndMask get the address and the network with mask for an IP address.
// If it is *not* CIDR, will return full mask, i.e. 0xffffffff
func getNetAndMask(id string) (net.IP, *net.IPNet, error) {
	if addr := net.ParseIP(id); addr != nil {
		bits := 128
		if v4 := addr.To4(); v4 != nil {
			addr, bits = v4, 32
		}
		return addr, &net.IPNet{IP: addr, Mask: net.CIDRMask(bits, bits)}, nil
	}
	addr, network, err := net.ParseCIDR(id)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid net: %s", id)
	}
	if v4 := addr.To4(); v4 != nil {
		addr = v4
		network.IP = network.IP.To4()
	}
	return addr, network, nil
}

// resolveHost an address literal, or every address a name resolves to
func resolveHost(id string) ([]net.IP, error) {
	if id == "" {
		return nil, errors.New("blank host")
	}
	if ip := net.ParseIP(id); ip != nil {
		return []net.IP{ip}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := resolver.LookupIPAddr(ctx, id)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("unknown host: %s", id)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
