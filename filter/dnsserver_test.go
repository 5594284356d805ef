package filter

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// dnsServer answers A and AAAA questions from a fixed table, so host names
// resolve the same way on every machine
type dnsServer struct {
	conn    net.PacketConn
	records map[string]map[string]string
}

// startDNSServer listen on a random local port and serve until closed
func startDNSServer(records map[string]map[string]string) (*dnsServer, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &dnsServer{conn: conn, records: records}
	go s.serve()
	return s, nil
}

func (s *dnsServer) Addr() string {
	return s.conn.LocalAddr().String()
}

func (s *dnsServer) Close() error {
	return s.conn.Close()
}

func (s *dnsServer) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		request := &layers.DNS{}
		if err := request.DecodeFromBytes(buf[:n], gopacket.NilDecodeFeedback); err != nil || len(request.Questions) < 1 {
			continue
		}
		reply, err := s.answer(request)
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteTo(reply, addr)
	}
}

func (s *dnsServer) answer(request *layers.DNS) ([]byte, error) {
	q := request.Questions[0]
	reply := &layers.DNS{
		ID:           request.ID,
		QR:           true,
		OpCode:       layers.DNSOpCodeQuery,
		AA:           true,
		RD:           request.RD,
		ResponseCode: layers.DNSResponseCodeNXDomain,
		Questions:    request.Questions,
	}
	if recs, ok := s.records[string(q.Name)]; ok {
		reply.ResponseCode = layers.DNSResponseCodeNoErr
		if ip := net.ParseIP(recs[q.Type.String()]); ip != nil {
			reply.Answers = append(reply.Answers, layers.DNSResourceRecord{
				Name:  q.Name,
				Type:  q.Type,
				Class: layers.DNSClassIN,
				TTL:   60,
				IP:    ip,
			})
		}
	}
	buf := gopacket.NewSerializeBuffer()
	if err := reply.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
