package filter

const (
	lengthByte  int    = 1
	lengthHalf  int    = 2
	lengthWord  int    = 4
	bitsPerWord int    = 32
	jumpMask    uint32 = 0x1fff

	etherTypeIPv4 uint32 = 0x0800
	etherTypeIPv6 uint32 = 0x86dd
	etherTypeArp  uint32 = 0x0806
	etherTypeRarp uint32 = 0x8035

	ipProtocolIcmp  uint32 = 0x01
	ipProtocolTCP   uint32 = 0x06
	ipProtocolUDP   uint32 = 0x11
	ipProtocolIcmp6 uint32 = 0x3a
	ipProtocolSctp  uint32 = 0x84
	// ip6ContinuationPacket the IPv6 fragment extension header
	ip6ContinuationPacket uint32 = 0x2c

	// BSD loopback carries the address family in host byte order
	afInet uint32 = 2
)

// afInet6 differs between the BSDs: NetBSD/OpenBSD, FreeBSD, Darwin
var afInet6 = []uint32{24, 28, 30}

type filterKind int

const (
	filterKindUnset filterKind = iota
	filterKindHost
	filterKindNet
	filterKindPort
	filterKindPortRange
)

var kinds = map[string]filterKind{
	"host":      filterKindHost,
	"net":       filterKindNet,
	"port":      filterKindPort,
	"portrange": filterKindPortRange,
}

type filterDirection int

const (
	filterDirectionUnset filterDirection = iota
	filterDirectionSrcAndDst
	filterDirectionSrcOrDst
	filterDirectionSrc
	filterDirectionDst
	filterDirectionRa
	filterDirectionTa
	filterDirectionAddr1
	filterDirectionAddr2
	filterDirectionAddr3
	filterDirectionAddr4
)

var directions = map[string]filterDirection{
	"src":         filterDirectionSrc,
	"dst":         filterDirectionDst,
	"src and dst": filterDirectionSrcAndDst,
	"src or dst":  filterDirectionSrcOrDst,
	"ra":          filterDirectionRa,
	"ta":          filterDirectionTa,
	"addr1":       filterDirectionAddr1,
	"addr2":       filterDirectionAddr2,
	"addr3":       filterDirectionAddr3,
	"addr4":       filterDirectionAddr4,
}

type filterProtocol int

const (
	filterProtocolUnset filterProtocol = iota
	filterProtocolEther
	filterProtocolFddi
	filterProtocolTr
	filterProtocolWlan
	filterProtocolIP
	filterProtocolIP6
	filterProtocolArp
	filterProtocolRarp
	filterProtocolDecnet
)

var protocols = map[string]filterProtocol{
	"ether":  filterProtocolEther,
	"fddi":   filterProtocolFddi,
	"tr":     filterProtocolTr,
	"wlan":   filterProtocolWlan,
	"ip":     filterProtocolIP,
	"ip6":    filterProtocolIP6,
	"arp":    filterProtocolArp,
	"rarp":   filterProtocolRarp,
	"decnet": filterProtocolDecnet,
}

type filterSubProtocol int

const (
	filterSubProtocolUnset filterSubProtocol = iota
	filterSubProtocolIcmp
	filterSubProtocolIcmp6
	filterSubProtocolIgmp
	filterSubProtocolPim
	filterSubProtocolAh
	filterSubProtocolEsp
	filterSubProtocolVrrp
	filterSubProtocolUDP
	filterSubProtocolTCP
	filterSubProtocolSctp
	filterSubProtocolUnknown
)

var subProtocols = map[string]filterSubProtocol{
	"icmp":  filterSubProtocolIcmp,
	"icmp6": filterSubProtocolIcmp6,
	"igmp":  filterSubProtocolIgmp,
	"pim":   filterSubProtocolPim,
	"ah":    filterSubProtocolAh,
	"esp":   filterSubProtocolEsp,
	"vrrp":  filterSubProtocolVrrp,
	"udp":   filterSubProtocolUDP,
	"tcp":   filterSubProtocolTCP,
	"sctp":  filterSubProtocolSctp,
}

// ipProtocols IANA protocol numbers for the named sub-protocols
var ipProtocols = map[filterSubProtocol]uint32{
	filterSubProtocolIcmp:  ipProtocolIcmp,
	filterSubProtocolIcmp6: ipProtocolIcmp6,
	filterSubProtocolIgmp:  0x02,
	filterSubProtocolPim:   0x67,
	filterSubProtocolAh:    0x33,
	filterSubProtocolEsp:   0x32,
	filterSubProtocolVrrp:  0x70,
	filterSubProtocolUDP:   ipProtocolUDP,
	filterSubProtocolTCP:   ipProtocolTCP,
	filterSubProtocolSctp:  ipProtocolSctp,
}
