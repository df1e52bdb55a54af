package framing

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"firestige.xyz/grnet/internal/core"
)

// Encoder builds outgoing headers and owns the transmit sequence counter.
// An Encoder is not safe for concurrent use.
type Encoder struct {
	kind     Kind
	streamID uint32
	seq      uint64
	hdr      []byte
	trailer  [crcTrailerSize]byte
}

// NewEncoder returns an encoder for kind. streamID is only written by CHDR.
func NewEncoder(kind Kind, streamID uint32) *Encoder {
	return &Encoder{
		kind:     kind,
		streamID: streamID,
		hdr:      make([]byte, 0, kind.HeaderSize()),
	}
}

// Kind returns the header kind.
func (e *Encoder) Kind() Kind { return e.kind }

// Seq returns the last sequence number handed out.
func (e *Encoder) Seq() uint64 { return e.seq }

// Next advances the sequence counter and returns the header for a packet
// carrying dataLen bytes. The first packet gets sequence 1.
func (e *Encoder) Next(dataLen int) Header {
	if e.kind == KindNone {
		return Header{Kind: KindNone}
	}

	switch e.kind {
	case KindCHDR:
		e.seq++
		if e.seq > CHDRSeqMax {
			e.seq = 1
		}
	case KindOldATA:
		if e.seq == math.MaxUint32 {
			e.seq = 0
		} else {
			e.seq++
		}
	default:
		e.seq++
	}

	return Header{
		Kind:     e.kind,
		Seq:      e.seq,
		Length:   uint16(dataLen),
		StreamID: e.streamID,
	}
}

// Encode returns the header and trailer for the next packet carrying data.
// The returned slices are reused by the next call.
func (e *Encoder) Encode(data []byte) (header, trailer []byte) {
	if e.kind == KindNone {
		return nil, nil
	}
	h := e.Next(len(data))
	e.hdr = AppendHeader(e.hdr[:0], h)
	if e.kind.TrailerSize() > 0 {
		binary.LittleEndian.PutUint32(e.trailer[:], crc32.ChecksumIEEE(data))
		trailer = e.trailer[:]
	}
	return e.hdr, trailer
}

// Decoder peels headers off received packets.
type Decoder struct {
	kind      Kind
	crcErrors uint64
}

// NewDecoder returns a decoder for kind.
func NewDecoder(kind Kind) *Decoder {
	return &Decoder{kind: kind}
}

// Kind returns the header kind.
func (d *Decoder) Kind() Kind { return d.kind }

// CRCErrors returns how many packets failed the CRC parity check.
func (d *Decoder) CRCErrors() uint64 { return d.crcErrors }

// Decode splits packet into its header and data region. A CRC mismatch is
// counted but the data is still returned.
func (d *Decoder) Decode(packet []byte) (Header, []byte, error) {
	if d.kind == KindNone {
		return Header{Kind: KindNone, Length: uint16(len(packet))}, packet, nil
	}
	if len(packet) < d.kind.Overhead() {
		return Header{}, nil, fmt.Errorf("%w: %d bytes for %s", core.ErrPacketTooShort, len(packet), d.kind)
	}

	h, err := ParseHeader(d.kind, packet)
	if err != nil {
		return Header{}, nil, err
	}
	data := packet[d.kind.HeaderSize() : len(packet)-d.kind.TrailerSize()]

	if d.kind.TrailerSize() > 0 {
		// a padded short packet is checked over its declared length only
		checked := data
		if int(h.Length) < len(data) {
			checked = data[:h.Length]
		}
		want := binary.LittleEndian.Uint32(packet[len(packet)-crcTrailerSize:])
		if crc32.ChecksumIEEE(checked) != want {
			d.crcErrors++
		}
	}
	return h, data, nil
}

// LossTracker counts sequence gaps.
//
// The first observed packet primes the tracker. After that a packet whose
// sequence S is above the last one L adds S-L-1 to the skipped count. A lower
// sequence (restart, CHDR rollover) adds nothing. 64-bit counters are assumed
// never to wrap.
type LossTracker struct {
	last    uint64
	primed  bool
	skipped uint64
}

// Observe records a packet's sequence number and returns how many packets
// were skipped immediately before it.
func (t *LossTracker) Observe(seq uint64) uint64 {
	if !t.primed || t.last == 0 {
		t.primed = true
		t.last = seq
		return 0
	}
	var gap uint64
	if seq > t.last {
		gap = seq - t.last - 1
	}
	t.last = seq
	t.skipped += gap
	return gap
}

// Skipped returns the total number of skipped packets.
func (t *LossTracker) Skipped() uint64 { return t.skipped }

// Last returns the last observed sequence number.
func (t *LossTracker) Last() uint64 { return t.last }

// Reset forgets the stream so the next packet primes again.
func (t *LossTracker) Reset() {
	t.last = 0
	t.primed = false
}
