package filter

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
)

var dnsRecords = map[string]map[string]string{
	"www.example.com": {
		"A":    "93.184.216.34",
		"AAAA": "2606:2800:220:1:248:1893:25c8:1946",
	},
}

func setup() (*dnsServer, error) {
	dns, err := startDNSServer(dnsRecords)
	if err != nil {
		return nil, err
	}
	addr := dns.Addr()
	resolver = net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "udp", addr)
		},
	}
	return dns, nil
}

func TestMain(m *testing.M) {
	dns, err := setup()
	if err != nil {
		panic(err)
	}
	code := m.Run()
	_ = dns.Close()
	os.Exit(code)
}

func TestExpressionEmpty(t *testing.T) {
	for _, s := range []string{"", "   ", "\t"} {
		if e := NewExpression(s); e != nil {
			t.Errorf("expected nil for blank expression %q", s)
		}
	}
}

func TestExpressionHasNext(t *testing.T) {
	// single element
	e := NewExpression("a")
	if !e.HasNext() {
		t.Fatal("with one element remaining, should have HasNext()==true")
	}
	e.Next()
	if e.HasNext() {
		t.Fatal("with zero element remaining, should have HasNext()==false")
	}
}

func TestExpressionNextJoiner(t *testing.T) {
	tests := []struct {
		filter string
		prim   bool
		and    bool
	}{
		{"and", false, true},
		{"&&", false, true},
		{"or", false, false},
		{"||", false, false},
		{"abc", true, false},
	}
	for i, tt := range tests {
		e := NewExpression(tt.filter)
		f := e.Next()
		if f.IsPrimitive() != tt.prim {
			t.Fatalf("%d: mismatched IsPrimitive, actual %v, expected %v", i, f.IsPrimitive(), tt.prim)
		}
		if tt.prim {
			continue
		}
		val := f.(*and)
		if bool(*val) != tt.and {
			t.Fatalf("%d: mismatched value, actual %v, expected %v", i, *val, tt.and)
		}
	}
}

// TestExpressionNextPrimitive tests Expression.Next() alone, before any defaults are set
func TestExpressionNextPrimitive(t *testing.T) {
	tests := []struct {
		expression string
		prim       primitive
	}{
		{"abc", primitive{id: "abc"}},
		{"host", primitive{kind: filterKindHost}},
		{"host abc", primitive{kind: filterKindHost, id: "abc"}},
		{"src host abc", primitive{kind: filterKindHost, direction: filterDirectionSrc, id: "abc"}},
		{"dst host abc", primitive{kind: filterKindHost, direction: filterDirectionDst, id: "abc"}},
		{"src or dst host abc", primitive{kind: filterKindHost, direction: filterDirectionSrcOrDst, id: "abc"}},
		{"src and dst host abc", primitive{kind: filterKindHost, direction: filterDirectionSrcAndDst, id: "abc"}},
		{"port 22", primitive{kind: filterKindPort, id: "22"}},
		{"src port 22", primitive{kind: filterKindPort, direction: filterDirectionSrc, id: "22"}},
		{"tcp dst portrange 1000-2000", primitive{kind: filterKindPortRange, direction: filterDirectionDst, subProtocol: filterSubProtocolTCP, id: "1000-2000"}},
		{"net 192.168.0.0/24", primitive{kind: filterKindNet, id: "192.168.0.0/24"}},
		{"src net 192.168.0.0/24", primitive{kind: filterKindNet, direction: filterDirectionSrc, id: "192.168.0.0/24"}},
		{"ip proto tcp", primitive{protocol: filterProtocolIP, subProtocol: filterSubProtocolTCP}},
		{"ip proto \\tcp", primitive{protocol: filterProtocolIP, subProtocol: filterSubProtocolTCP}},
		{"ip6 proto 47", primitive{protocol: filterProtocolIP6, subProtocol: filterSubProtocolUnknown, id: "47"}},
		{"ether host 00:11:22:33:44:55", primitive{kind: filterKindHost, protocol: filterProtocolEther, id: "00:11:22:33:44:55"}},
		{"not tcp", primitive{subProtocol: filterSubProtocolTCP, negator: true}},
		{"! udp", primitive{subProtocol: filterSubProtocolUDP, negator: true}},
		{"not not udp", primitive{subProtocol: filterSubProtocolUDP}},
		{"gateway abc", primitive{id: "abc", unsupported: "gateway"}},
	}
	for _, tt := range tests {
		e := NewExpression(tt.expression)
		f := e.Next()
		val := f.(*primitive)
		if !val.Equal(tt.prim) {
			t.Errorf("%s: mismatched value\nactual   %#v\nexpected %#v", tt.expression, *val, tt.prim)
		}
	}
}

func TestExpressionCompile(t *testing.T) {
	tests := []struct {
		expression string
		filter     Filter
	}{
		{"abc", primitive{kind: filterKindHost, direction: filterDirectionSrcOrDst, id: "abc"}},
		{"tcp", primitive{subProtocol: filterSubProtocolTCP}},
		{"src 10.0.0.1", primitive{kind: filterKindHost, direction: filterDirectionSrc, id: "10.0.0.1"}},
		{"port 22", primitive{kind: filterKindPort, direction: filterDirectionSrcOrDst, id: "22"}},
		{"tcp and port 22", composite{and: true, primitives: primitives{
			{subProtocol: filterSubProtocolTCP},
			{kind: filterKindPort, direction: filterDirectionSrcOrDst, id: "22"},
		}}},
		// identical qualifier lists can be omitted
		{"tcp dst port 80 or 443", composite{primitives: primitives{
			{kind: filterKindPort, direction: filterDirectionDst, subProtocol: filterSubProtocolTCP, id: "80"},
			{kind: filterKindPort, direction: filterDirectionDst, subProtocol: filterSubProtocolTCP, id: "443"},
		}}},
		{"host 10.0.0.1 && not port 22", composite{and: true, primitives: primitives{
			{kind: filterKindHost, direction: filterDirectionSrcOrDst, id: "10.0.0.1"},
			{kind: filterKindPort, direction: filterDirectionSrcOrDst, id: "22", negator: true},
		}}},
	}
	for _, tt := range tests {
		f, err := NewExpression(tt.expression).Compile()
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.expression, err)
			continue
		}
		if !f.Equal(tt.filter) {
			t.Errorf("%s: mismatched value\nactual   %#v\nexpected %#v", tt.expression, f, tt.filter)
		}
	}
}

func TestExpressionCompileErrors(t *testing.T) {
	tests := []struct {
		expression string
		err        error
	}{
		{"tcp and udp or icmp", ErrMixedJoiners},
		{"tcp or port 22 and host 10.0.0.1", ErrMixedJoiners},
		{"(tcp or udp) and port 53", ErrParentheses},
		{"and tcp", nil},
		{"tcp and", nil},
		{"tcp and or udp", nil},
		{"host abc def", nil},
	}
	for _, tt := range tests {
		_, err := NewExpression(tt.expression).Compile()
		if err == nil {
			t.Errorf("%s: expected error, got none", tt.expression)
			continue
		}
		if tt.err != nil && !errors.Is(err, tt.err) {
			t.Errorf("%s: mismatched error, actual %v, expected %v", tt.expression, err, tt.err)
		}
	}
}
