package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/flow"
)

// MockSource is a source whose lifecycle calls are recorded.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Name() string                    { return "mock" }
func (m *MockSource) Start(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockSource) Stop() error                     { return m.Called().Error(0) }
func (m *MockSource) Stats() core.BlockStats          { return core.BlockStats{Name: "mock"} }
func (m *MockSource) ItemSize() int                   { return 1 }
func (m *MockSource) OutputMultiple() int             { return 1 }
func (m *MockSource) Work(out []byte) (int, error)    { return 0, core.ErrEndOfStream }

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grnet.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return port
}

func TestStreamFlags_Kind(t *testing.T) {
	assert.Equal(t, "none", (&streamFlags{}).kind())
	assert.Equal(t, "seqplussize", (&streamFlags{header: true}).kind())
	assert.Equal(t, "seqsizecrc", (&streamFlags{header: true, headerCRC: true}).kind())
	assert.Equal(t, "chdr", (&streamFlags{header: true, headerType: "chdr"}).kind())
}

func TestHarnessFlows_Validate(t *testing.T) {
	reg := flow.DefaultRegistry()
	base := streamFlags{itemSize: 1, vecLen: 64, host: "127.0.0.1", port: 2000, payloadSize: 1472}

	udp := base
	udp.useUDP = true
	udp.header = true

	flows := map[string]config.FlowConfig{
		"send tcp":  sendFlow(sendOptions{streamFlags: base, totalBytes: 6400}),
		"send udp":  sendFlow(sendOptions{streamFlags: udp, totalBytes: 6400, sendEOF: true}),
		"recv tcp":  recvFlow(recvOptions{streamFlags: base, out: "-"}),
		"recv udp":  recvFlow(recvOptions{streamFlags: udp, out: "-", eosOnEmpty: true}),
		"replay":    replayFlow(replayOptions{streamFlags: udp, file: "trace.pcap", out: "-"}),
		"replay rp": replayFlow(replayOptions{streamFlags: base, file: "trace.pcap", out: "-", repeat: true}),
	}
	for name, fc := range flows {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, reg.Validate(fc.Source.Type, flow.RoleSource, fc.Source.Params))
			assert.NoError(t, reg.Validate(fc.Sink.Type, flow.RoleSink, fc.Sink.Params))
		})
	}

	fc := sendFlow(sendOptions{streamFlags: base})
	assert.Equal(t, "tcp_sink", fc.Sink.Type)
	assert.Equal(t, "client", fc.Sink.Params["mode"])
	fc = recvFlow(recvOptions{streamFlags: udp})
	assert.Equal(t, "udp_source", fc.Source.Type)
	assert.Equal(t, "seqplussize", fc.Source.Params["header_type"])
	assert.Equal(t, false, replayFlow(replayOptions{repeat: true}).Source.Params["done_on_exhausted"])
}

func TestBuildFlows_StopsBuiltBlocksOnFailure(t *testing.T) {
	src := new(MockSource)
	src.On("Stop").Return(nil).Once()

	reg := flow.NewRegistry()
	require.NoError(t, reg.Register("mock_source", flow.RoleSource,
		func(string, map[string]any, *slog.Logger) (core.Block, error) { return src, nil }))

	_, err := buildFlows([]config.FlowConfig{{
		Source: config.BlockConfig{Type: "mock_source"},
		Sink:   config.BlockConfig{Type: "missing_sink"},
	}}, reg, slog.Default())

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBlockTypeNotFound)
	src.AssertExpectations(t)
}

func TestRunValidate(t *testing.T) {
	good := writeConfig(t, `
grnet:
  flows:
    - name: tx
      source: {type: pattern_source, params: {item_size: 4, total_bytes: 4000}}
      sink: {type: udp_sink, params: {item_size: 4, port: 2000, header_type: seqnum}}
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(good, flow.DefaultRegistry(), &buf))
	assert.Contains(t, buf.String(), "VALID: 1 flow(s)")
	assert.Contains(t, buf.String(), "udp_sink")

	bad := writeConfig(t, `
grnet:
  flows:
    - source: {type: pattern_source, params: {item_size: 4, colour: red}}
      sink: {type: udp_sink, params: {item_size: 4, port: 2000, header_type: bogus}}
`)
	buf.Reset()
	err := runValidate(bad, flow.DefaultRegistry(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID")
	assert.Contains(t, err.Error(), "flows[0].source")
	assert.Contains(t, err.Error(), "flows[0].sink")
	assert.Empty(t, buf.String())
}

func TestRunConfig_PatternToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	path := writeConfig(t, `
grnet:
  flows:
    - name: copy
      source: {type: pattern_source, params: {item_size: 8, vec_len: 4, total_bytes: 6400}}
      sink: {type: file_sink, params: {item_size: 8, vec_len: 4, path: "`+out+`"}}
    - source: {type: pattern_source, params: {item_size: 2, total_bytes: 100}}
      sink: {type: null_sink, params: {item_size: 2}}
`)
	var buf bytes.Buffer
	require.NoError(t, runConfig(context.Background(), path, &buf))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, data, 6400)
	for i, b := range data {
		if b != flow.PatternByte(i) {
			t.Fatalf("byte %d = %q, want %q", i, b, flow.PatternByte(i))
		}
	}
	assert.Contains(t, buf.String(), "copy.source")
	assert.Contains(t, buf.String(), "copy.sink")
}

func TestRunConfig_NoFlows(t *testing.T) {
	err := runConfig(context.Background(), writeConfig(t, "grnet: {}\n"), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no flows configured")
}

func TestWritesStdout(t *testing.T) {
	assert.False(t, writesStdout([]config.FlowConfig{{Sink: config.BlockConfig{Type: "null_sink"}}}))
	assert.True(t, writesStdout([]config.FlowConfig{{
		Sink: config.BlockConfig{Type: "file_sink", Params: map[string]any{"path": "-"}},
	}}))
}

func TestRunSend_UDP(t *testing.T) {
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rx.Close()

	opts := sendOptions{
		streamFlags: streamFlags{
			itemSize: 1, vecLen: 64, host: "127.0.0.1",
			port:   rx.LocalAddr().(*net.UDPAddr).Port,
			useUDP: true, payloadSize: 1472,
		},
		totalBytes: 1408 * 4,
	}
	var buf bytes.Buffer
	require.NoError(t, runSend(context.Background(), opts, &buf))
	assert.Contains(t, buf.String(), "sent 5632 bytes")

	var got int
	pkt := make([]byte, 2048)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
	for got < opts.totalBytes {
		n, _, err := rx.ReadFromUDP(pkt)
		require.NoError(t, err)
		for i := range pkt[:n] {
			require.Equal(t, flow.PatternByte(got+i), pkt[i])
		}
		got += n
	}
	assert.Equal(t, opts.totalBytes, got)
}

func TestRunRecv_UDPByteLimit(t *testing.T) {
	port := freeUDPPort(t)
	out := filepath.Join(t.TempDir(), "rx.bin")
	opts := recvOptions{
		streamFlags: streamFlags{itemSize: 1, vecLen: 64, host: "127.0.0.1", port: port, useUDP: true, payloadSize: 1472},
		out:         out,
		limit:       1472 * 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runRecv(ctx, opts, &buf) }()

	tx, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer tx.Close()
	pkt := bytes.Repeat([]byte{'x'}, 1472)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			info, err := os.Stat(out)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, info.Size(), int64(opts.limit))
			assert.Contains(t, buf.String(), "received")
			return
		case <-ticker.C:
			_, _ = tx.Write(pkt)
		case <-ctx.Done():
			t.Fatal("recv did not stop at the byte limit")
		}
	}
}

func TestRunReplay(t *testing.T) {
	const port = 2000
	var frames [][]byte
	for i := range 5 {
		frames = append(frames, udpFrame(t, port, bytes.Repeat([]byte{byte('a' + i)}, 64)))
	}
	frames = append(frames, udpFrame(t, port+1, bytes.Repeat([]byte{'z'}, 64)))

	out := filepath.Join(t.TempDir(), "replay.bin")
	opts := replayOptions{
		streamFlags: streamFlags{itemSize: 1, vecLen: 64, port: port, payloadSize: 64},
		file:        writePcap(t, frames),
		out:         out,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, runReplay(ctx, opts, &buf))
	assert.Contains(t, buf.String(), "replayed 5 packets, 320 bytes")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, data, 320)
	assert.Equal(t, byte('a'), data[0])
	assert.Equal(t, byte('e'), data[319])
}

func TestThroughput(t *testing.T) {
	assert.Equal(t, "n/a", throughput(100, 0))
	assert.Equal(t, "1000 Bps, 8000 bps", throughput(1000, time.Second))
}

func udpFrame(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writePcap(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, fr := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(fr),
			Length:        len(fr),
		}
		require.NoError(t, w.WritePacket(ci, fr))
	}
	return path
}
