package capture

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/framing"
)

const waitFor = 3 * time.Second

type frameSpec struct {
	dstPort uint16
	payload []byte
	vlan    bool
}

func udpFrame(t *testing.T, f frameSpec) []byte {
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
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(f.dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	stack := []gopacket.SerializableLayer{eth}
	if f.vlan {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{VLANIdentifier: 100, Type: layers.EthernetTypeIPv4})
	}
	stack = append(stack, ip, udp, gopacket.Payload(f.payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stack...))
	return buf.Bytes()
}

func writePcap(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
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

func payloadOf(i int, size int) []byte {
	p := make([]byte, size)
	for j := range p {
		p[j] = byte(i)
	}
	return p
}

func collect(t *testing.T, src *Source, want int) []byte {
	t.Helper()
	var got []byte
	out := make([]byte, src.OutputMultiple()*src.ItemSize()*8)
	assert.Eventually(t, func() bool {
		n, err := src.Work(out)
		if err != nil {
			return true
		}
		got = append(got, out[:n*src.ItemSize()]...)
		return len(got) >= want
	}, waitFor, 5*time.Millisecond)
	return got
}

func TestFilter_MatchesPortAndVLAN(t *testing.T) {
	f, err := NewFilter(9000)
	require.NoError(t, err)

	p, ok := f.Match(udpFrame(t, frameSpec{dstPort: 9000, payload: []byte("abc")}))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), p)

	p, ok = f.Match(udpFrame(t, frameSpec{dstPort: 9000, payload: []byte("tagged"), vlan: true}))
	require.True(t, ok)
	assert.Equal(t, []byte("tagged"), p)

	_, ok = f.Match(udpFrame(t, frameSpec{dstPort: 9001, payload: []byte("abc")}))
	assert.False(t, ok)

	_, ok = f.Match([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestFilter_ProgramRejectsWithoutDecoding(t *testing.T) {
	vm, err := bpf.NewVM(udpDstPortProgram(9000))
	require.NoError(t, err)

	n, err := vm.Run(udpFrame(t, frameSpec{dstPort: 9000, payload: []byte{1}}))
	require.NoError(t, err)
	assert.NotZero(t, n)

	n, err = vm.Run(udpFrame(t, frameSpec{dstPort: 53, payload: []byte{1}}))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSource_ReplaysMatchingPayloadsInOrder(t *testing.T) {
	var frames [][]byte
	for i := 1; i <= 5; i++ {
		frames = append(frames, udpFrame(t, frameSpec{dstPort: 9000, payload: payloadOf(i, 16)}))
		if i <= 3 {
			frames = append(frames, udpFrame(t, frameSpec{dstPort: 9001, payload: payloadOf(100+i, 16)}))
		}
	}
	path := writePcap(t, frames)

	src, err := NewSource("replay", Config{ItemSize: 1, File: path, Port: 9000, PayloadSize: 16}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	got := collect(t, src, 5*16)
	var want []byte
	for i := 1; i <= 5; i++ {
		want = append(want, payloadOf(i, 16)...)
	}
	assert.Equal(t, want, got)

	require.Eventually(t, func() bool { return src.State() == SessionExhausted }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(1), src.Passes())

	n, err := src.Work(make([]byte, 64))
	require.NoError(t, err, "exhaustion is silent unless done_on_exhausted is set")
	assert.Zero(t, n)
}

func TestSource_DoneOnExhausted(t *testing.T) {
	path := writePcap(t, [][]byte{udpFrame(t, frameSpec{dstPort: 7000, payload: payloadOf(1, 8)})})

	src, err := NewSource("replay", Config{
		ItemSize: 4, File: path, Port: 7000, PayloadSize: 8, DoneOnExhausted: true,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Equal(t, payloadOf(1, 8), collect(t, src, 8))
	require.Eventually(t, func() bool {
		_, err := src.Work(make([]byte, 16))
		return errors.Is(err, core.ErrEndOfStream)
	}, waitFor, 5*time.Millisecond)
}

func TestSource_RepeatRewinds(t *testing.T) {
	path := writePcap(t, [][]byte{
		udpFrame(t, frameSpec{dstPort: 5000, payload: payloadOf(1, 4)}),
		udpFrame(t, frameSpec{dstPort: 5000, payload: payloadOf(2, 4)}),
	})

	src, err := NewSource("replay", Config{ItemSize: 4, File: path, Port: 5000, PayloadSize: 8, Repeat: true}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	got := collect(t, src, 24)
	require.GreaterOrEqual(t, len(got), 24)
	assert.Equal(t, []byte{1, 1, 1, 1, 2, 2, 2, 2, 1, 1, 1, 1, 2, 2, 2, 2, 1, 1, 1, 1, 2, 2, 2, 2}, got[:24])
	assert.GreaterOrEqual(t, src.Passes(), uint64(2))
}

func TestSource_SequencedCaptureReportsLoss(t *testing.T) {
	enc := framing.NewEncoder(framing.KindSeqNum, 0)
	var frames [][]byte
	for i := 1; i <= 4; i++ {
		data := payloadOf(i, 8)
		hdr, _ := enc.Encode(data)
		if i == 2 {
			continue
		}
		pkt := append(append([]byte{}, hdr...), data...)
		frames = append(frames, udpFrame(t, frameSpec{dstPort: 6000, payload: pkt}))
	}
	path := writePcap(t, frames)

	src, err := NewSource("replay", Config{
		ItemSize: 8, File: path, Port: 6000, HeaderType: "seqnum", PayloadSize: 16,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	got := collect(t, src, 24)
	assert.Equal(t, append(append(payloadOf(1, 8), payloadOf(3, 8)...), payloadOf(4, 8)...), got)
	assert.Equal(t, uint64(1), src.Stats().MissedPackets)
}

func TestSource_SkipsTruncatedFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	full := udpFrame(t, frameSpec{dstPort: 9000, payload: payloadOf(7, 8)})
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp: time.Now(), CaptureLength: len(full), Length: len(full) + 100,
	}, full))
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp: time.Now(), CaptureLength: len(full), Length: len(full),
	}, full))
	require.NoError(t, f.Close())

	src, err := NewSource("replay", Config{ItemSize: 8, File: path, Port: 9000, PayloadSize: 8}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Equal(t, payloadOf(7, 8), collect(t, src, 8))
	require.Eventually(t, func() bool { return src.State() == SessionExhausted }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(1), src.truncated.Load())
}

func TestSession_PcapNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	frame := udpFrame(t, frameSpec{dstPort: 9000, payload: []byte("ng")})
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame), InterfaceIndex: 0,
	}, frame))
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	s, err := OpenSession(path)
	require.NoError(t, err)
	defer s.Close()

	data, _, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, frame, data)
	_, _, err = s.Next()
	assert.Error(t, err)
	assert.Equal(t, SessionExhausted, s.State())

	require.NoError(t, s.Rewind())
	assert.Equal(t, SessionOpen, s.State())
	data, _, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, frame, data)
}

func TestNewSource_Errors(t *testing.T) {
	_, err := NewSource("replay", Config{ItemSize: 1, File: "/does/not/exist.pcap", Port: 9000}, nil)
	assert.True(t, errors.Is(err, core.ErrCaptureOpen))

	garbage := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a capture file"), 0o644))
	_, err = NewSource("replay", Config{ItemSize: 1, File: garbage, Port: 9000}, nil)
	assert.True(t, errors.Is(err, core.ErrCaptureOpen))

	_, err = NewSource("replay", Config{ItemSize: 1, Port: 9000}, nil)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}
