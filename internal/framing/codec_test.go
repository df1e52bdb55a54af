package framing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"firestige.xyz/grnet/internal/core"
)

var allKinds = []Kind{KindNone, KindSeqNum, KindSeqPlusSize, KindSeqSizeCRC, KindOldATA, KindCHDR}

func packet(enc *Encoder, data []byte) []byte {
	hdr, trl := enc.Encode(data)
	pkt := append([]byte{}, hdr...)
	pkt = append(pkt, data...)
	return append(pkt, trl...)
}

func TestKind_Sizes(t *testing.T) {
	tests := []struct {
		kind    Kind
		header  int
		trailer int
	}{
		{KindNone, 0, 0},
		{KindSeqNum, 8, 0},
		{KindSeqPlusSize, 12, 0},
		{KindSeqSizeCRC, 12, 4},
		{KindOldATA, 8, 0},
		{KindCHDR, 8, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.header, tt.kind.HeaderSize())
			assert.Equal(t, tt.trailer, tt.kind.TrailerSize())
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("SeqPlusSize")
	require.NoError(t, err)
	assert.Equal(t, KindSeqPlusSize, k)

	k, err = ParseKind("5")
	require.NoError(t, err)
	assert.Equal(t, KindCHDR, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindNone, k)

	_, err = ParseKind("jumbo")
	assert.True(t, errors.Is(err, core.ErrUnknownHeaderType))
	_, err = ParseKind("9")
	assert.True(t, errors.Is(err, core.ErrUnknownHeaderType))
}

func TestCodec_RoundTrip(t *testing.T) {
	data := []byte("0123456789abcdef")
	for _, kind := range allKinds {
		t.Run(kind.String(), func(t *testing.T) {
			enc := NewEncoder(kind, 9000)
			dec := NewDecoder(kind)

			pkt := packet(enc, data)
			assert.Len(t, pkt, kind.Overhead()+len(data))

			h, got, err := dec.Decode(pkt)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.Equal(t, enc.Seq(), h.Seq)
			assert.Zero(t, dec.CRCErrors())
		})
	}
}

func TestCodec_CHDRFields(t *testing.T) {
	enc := NewEncoder(KindCHDR, 5001)
	pkt := packet(enc, make([]byte, 40))

	h, err := ParseHeader(KindCHDR, pkt)
	require.NoError(t, err)
	assert.Equal(t, uint32(5001), h.StreamID)
	assert.Equal(t, uint16(40), h.Length)
	assert.Equal(t, uint64(1), h.Seq)
	assert.Zero(t, h.Flags)
}

func TestCodec_CRCMismatchIsCountedNotRejected(t *testing.T) {
	enc := NewEncoder(KindSeqSizeCRC, 0)
	dec := NewDecoder(KindSeqSizeCRC)

	pkt := packet(enc, []byte{1, 2, 3, 4})
	pkt[KindSeqSizeCRC.HeaderSize()] ^= 0xFF

	_, data, err := dec.Decode(pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE, 2, 3, 4}, data)
	assert.Equal(t, uint64(1), dec.CRCErrors())
}

func TestCodec_ShortPacket(t *testing.T) {
	_, _, err := NewDecoder(KindSeqSizeCRC).Decode(make([]byte, 10))
	assert.True(t, errors.Is(err, core.ErrPacketTooShort))
}

func TestEncoder_CHDRWrap(t *testing.T) {
	enc := NewEncoder(KindCHDR, 1)
	dec := NewDecoder(KindCHDR)

	var seen []uint64
	for i := 0; i < 4096; i++ {
		h, _, err := dec.Decode(packet(enc, nil))
		require.NoError(t, err)
		seen = append(seen, h.Seq)
	}
	assert.Equal(t, uint64(1), seen[0])
	assert.Equal(t, uint64(4095), seen[4094])
	assert.Equal(t, uint64(1), seen[4095])
	for _, s := range seen {
		assert.NotZero(t, s)
		assert.Less(t, s, uint64(4096))
	}
}

func TestEncoder_OldATAWrapsAt32Bits(t *testing.T) {
	enc := NewEncoder(KindOldATA, 0)
	enc.seq = 1<<32 - 1
	assert.Equal(t, uint64(0), enc.Next(0).Seq)
	assert.Equal(t, uint64(1), enc.Next(0).Seq)
}

func TestLossTracker_Gap(t *testing.T) {
	var lt LossTracker

	for _, seq := range []uint64{1, 2, 3} {
		assert.Zero(t, lt.Observe(seq))
	}
	assert.Equal(t, uint64(1), lt.Observe(5))
	assert.Equal(t, uint64(1), lt.Skipped())
	assert.Zero(t, lt.Observe(6))
	assert.Equal(t, uint64(1), lt.Skipped())
}

func TestLossTracker_FirstPacketPrimes(t *testing.T) {
	var lt LossTracker
	assert.Zero(t, lt.Observe(1000))
	assert.Equal(t, uint64(2), lt.Observe(1003))
}

func TestLossTracker_BackwardsIsNotLoss(t *testing.T) {
	var lt LossTracker
	lt.Observe(4094)
	lt.Observe(4095)
	assert.Zero(t, lt.Observe(1), "CHDR rollover")
	assert.Zero(t, lt.Observe(2))
	assert.Zero(t, lt.Skipped())
}

func TestLossTracker_ThroughDecoder(t *testing.T) {
	enc := NewEncoder(KindSeqNum, 0)
	dec := NewDecoder(KindSeqNum)
	var lt LossTracker

	var pkts [][]byte
	for i := 0; i < 6; i++ {
		pkts = append(pkts, packet(enc, []byte{byte(i)}))
	}
	// drop seq 4
	pkts = append(pkts[:3], pkts[4:]...)

	var after []uint64
	for _, p := range pkts {
		h, _, err := dec.Decode(p)
		require.NoError(t, err)
		lt.Observe(h.Seq)
		after = append(after, lt.Skipped())
	}
	assert.Equal(t, []uint64{0, 0, 0, 1, 1}, after)
}

func TestCodec_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		kind := rapid.SampledFrom(allKinds).Draw(rt, "kind")
		skip := rapid.IntRange(0, 5000).Draw(rt, "skip")
		data := rapid.SliceOfN(rapid.Byte(), 0, 1500).Draw(rt, "data")

		enc := NewEncoder(kind, 42)
		for i := 0; i < skip; i++ {
			enc.Next(0)
		}
		h, got, err := NewDecoder(kind).Decode(packet(enc, data))
		require.NoError(rt, err)
		assert.Equal(rt, data, got)
		if kind != KindNone {
			assert.Equal(rt, enc.Seq(), h.Seq)
		}
	})
}
