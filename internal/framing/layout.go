package framing

import (
	"fmt"

	"firestige.xyz/grnet/internal/core"
)

// MinPayloadSize is the smallest datagram payload a UDP block accepts.
const MinPayloadSize = 8

// Layout describes how scheduler blocks are packed into one datagram.
type Layout struct {
	Kind           Kind
	PayloadSize    int // configured upper bound of a datagram payload
	BlockSize      int // itemSize * vecLen
	DataSize       int // data bytes per full packet, a multiple of BlockSize
	PacketSize     int // HeaderSize + DataSize + TrailerSize
	ItemsPerPacket int
	OutputMultiple int
}

// NewLayout computes the packet layout for kind. Any error is fatal for the
// owning block.
func NewLayout(kind Kind, payloadSize, blockSize int) (Layout, error) {
	if !kind.Valid() {
		return Layout{}, fmt.Errorf("%w: %d", core.ErrUnknownHeaderType, int(kind))
	}
	if blockSize <= 0 {
		return Layout{}, fmt.Errorf("%w: block size %d", core.ErrConfigInvalid, blockSize)
	}
	if payloadSize < MinPayloadSize {
		return Layout{}, fmt.Errorf("%w: %d bytes, minimum is %d", core.ErrPayloadTooSmall, payloadSize, MinPayloadSize)
	}

	room := payloadSize - kind.Overhead()
	if room <= 0 {
		return Layout{}, fmt.Errorf("%w: %d bytes leaves no room after a %d byte %s header",
			core.ErrPayloadTooSmall, payloadSize, kind.Overhead(), kind)
	}
	dataSize := (room / blockSize) * blockSize
	if dataSize == 0 {
		return Layout{}, fmt.Errorf("%w: block of %d bytes does not fit in %d data bytes",
			core.ErrPayloadTooSmall, blockSize, room)
	}

	l := Layout{
		Kind:           kind,
		PayloadSize:    payloadSize,
		BlockSize:      blockSize,
		DataSize:       dataSize,
		PacketSize:     kind.HeaderSize() + dataSize + kind.TrailerSize(),
		ItemsPerPacket: dataSize / blockSize,
	}
	l.OutputMultiple = l.ItemsPerPacket
	if l.OutputMultiple < 2 {
		l.OutputMultiple = 2
	}
	return l, nil
}

// Normalize rewrites a received datagram into a full PacketSize frame so the
// byte stream stays packet aligned. A short datagram has its data region
// zero padded with the trailer moved to the end; a long one is truncated.
// The result is written to dst, which must hold PacketSize bytes.
// Headerless datagrams are returned unchanged.
func (l Layout) Normalize(pkt, dst []byte) []byte {
	if l.Kind == KindNone || len(pkt) == l.PacketSize {
		return pkt
	}
	dst = dst[:l.PacketSize]
	hdr := l.Kind.HeaderSize()
	trl := l.Kind.TrailerSize()

	if len(pkt) > l.PacketSize {
		copy(dst, pkt[:hdr+l.DataSize])
		copy(dst[hdr+l.DataSize:], pkt[len(pkt)-trl:])
		return dst
	}

	if len(pkt) < hdr+trl {
		clear(dst)
		copy(dst, pkt)
		return dst
	}
	n := copy(dst, pkt[:len(pkt)-trl])
	clear(dst[n : hdr+l.DataSize])
	copy(dst[hdr+l.DataSize:], pkt[len(pkt)-trl:])
	return dst
}
