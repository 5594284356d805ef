package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sniff "github.com/packetcap/go-sniff"
)

func frame(t *testing.T, transport gopacket.SerializableLayer, proto layers.IPProtocol) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2)}
	if c, ok := transport.(interface {
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}); ok {
		require.NoError(t, c.SetNetworkLayerForChecksum(ip))
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, transport, gopacket.Payload("hello")))
	return buf.Bytes()
}

// capture file of UDP to ports 1001-1003, then one TCP SYN to 80
func captureFile(t *testing.T) string {
	t.Helper()
	var frames [][]byte
	for port := 1001; port <= 1003; port++ {
		frames = append(frames, frame(t, &layers.UDP{SrcPort: 5000, DstPort: layers.UDPPort(port)}, layers.IPProtocolUDP))
	}
	frames = append(frames, frame(t, &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 512}, layers.IPProtocolTCP))

	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := sniff.NewWriter(f, sniff.DefaultSnaplen, sniff.LinkTypeEthernet)
	require.NoError(t, err)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, f.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", dir)
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func lines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestCaptureRawDefault(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "-r", file)
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 4)
	for _, l := range got {
		assert.True(t, strings.HasPrefix(l, "received packet! "), l)
	}
	assert.Contains(t, got[0], "caplen=")
}

func TestCaptureProto(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "proto", "-r", file, "-c", "2")
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "UDP 10.0.0.1:5000 -> 10.0.0.2:1001 len=5")
	assert.True(t, strings.HasPrefix(got[1], "2 "), got[1])
}

func TestCaptureTCPOnly(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "proto", "-r", file, "--tcp-only")
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "TCP 10.0.0.1:40000 -> 10.0.0.2:80 [SYN]")
	assert.True(t, strings.HasPrefix(got[0], "4 "), "numbering counts every captured packet: %s", got[0])
}

func TestCaptureFilterAndWrite(t *testing.T) {
	file := captureFile(t)
	saved := filepath.Join(t.TempDir(), "out.pcap")
	out, err := execute(t, "hex", "-r", file, "-w", saved, "udp and dst port 1002")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "caplen="), out)
	assert.Contains(t, out, "#1 ")

	h, err := sniff.OpenOffline(saved)
	require.NoError(t, err)
	defer h.Close()
	var n int
	for p := range h.Listen() {
		require.NoError(t, p.Error)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestCaptureText(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "text", "-r", file, "-c", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestCaptureGopacket(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "--gopacket", "--mode", "raw", "-r", file)
	require.NoError(t, err)
	assert.Len(t, lines(out), 4)
}

func TestCaptureMetrics(t *testing.T) {
	file := captureFile(t)
	out, err := execute(t, "proto", "-r", file, "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Len(t, lines(out), 4)
}

func TestCaptureEnvironment(t *testing.T) {
	file := captureFile(t)
	t.Setenv("SNIFF_COUNT", "3")
	out, err := execute(t, "raw", "-r", file)
	require.NoError(t, err)
	assert.Len(t, lines(out), 3)
}

func TestCaptureErrors(t *testing.T) {
	file := captureFile(t)
	tests := []struct {
		name string
		args []string
	}{
		{"unknown mode", []string{"-m", "pretty", "-r", file}},
		{"bad filter", []string{"-r", file, "tcp", "or", "udp", "and", "port", "1"}},
		{"missing file", []string{"-r", filepath.Join(t.TempDir(), "missing.pcap")}},
		{"file and interface", []string{"-r", file, "-i", "eth0"}},
		{"bad log level", []string{"--log-level", "loud", "-r", file}},
	}
	for _, tt := range tests {
		_, err := execute(t, tt.args...)
		assert.Error(t, err, tt.name)
	}
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "devices")
	if errors.Is(err, sniff.ErrUnsupported) {
		t.Skip("device listing unsupported on this platform")
	}
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.LessOrEqual(t, strings.Count(out, "*"), 1)
}

// scriptedSource hand out frames, then fail with err; with no err it never runs dry
type scriptedSource struct {
	data   []byte
	frames int
	err    error
	reads  int
}

func (s *scriptedSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.err != nil && s.reads >= s.frames {
		return nil, gopacket.CaptureInfo{}, s.err
	}
	s.reads++
	if s.reads%2 == 0 {
		return nil, gopacket.CaptureInfo{}, sniff.ErrTimeout
	}
	return s.data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(s.data), Length: len(s.data)}, nil
}

func TestPacketSourceReadError(t *testing.T) {
	data := frame(t, &layers.UDP{SrcPort: 1, DstPort: 2}, layers.IPProtocolUDP)
	failure := errors.New("device went away")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	packets, readErr := packetSource(ctx, &scriptedSource{data: data, frames: 4, err: failure}, sniff.LinkTypeEthernet, nil)
	var n int
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-packets:
			if !ok {
				done = true
				break
			}
			assert.Equal(t, data, p.B)
			n++
		case <-timeout:
			t.Fatal("stream did not end on the read error")
		}
	}
	assert.Equal(t, 2, n, "timeouts are retried, not delivered")
	assert.ErrorIs(t, readErr(), failure)
}

func TestPacketSourceStopsOnCancel(t *testing.T) {
	data := frame(t, &layers.UDP{SrcPort: 1, DstPort: 2}, layers.IPProtocolUDP)
	ctx, cancel := context.WithCancel(context.Background())
	packets, readErr := packetSource(ctx, &scriptedSource{data: data}, sniff.LinkTypeEthernet, nil)
	<-packets
	// nobody reads any more, as after --count is reached
	cancel()
	time.Sleep(50 * time.Millisecond)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-packets:
			if !ok {
				assert.NoError(t, readErr())
				return
			}
		case <-timeout:
			t.Fatal("forwarding did not stop after cancel")
		}
	}
}

// chdir stands in for testing.T.Chdir, which needs Go 1.24: it changes the
// working directory and restores it when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
