package framing

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/grnet/internal/core"
)

// Header is the decoded form of any header kind. Fields a kind does not carry
// stay zero.
type Header struct {
	Kind     Kind
	Seq      uint64
	Length   uint16 // data bytes in this packet
	StreamID uint32 // CHDR only
	Flags    uint8  // CHDR only, top four bits of the seq field
}

// CHDRFlagEndOfBurst is the end-of-burst bit of the CHDR flag nibble, the
// upper four bits of the 16-bit seq field.
const CHDRFlagEndOfBurst uint8 = 0x1

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	le := binary.LittleEndian
	switch h.Kind {
	case KindSeqNum:
		dst = le.AppendUint64(dst, h.Seq)
	case KindSeqPlusSize, KindSeqSizeCRC:
		dst = le.AppendUint64(dst, h.Seq)
		dst = le.AppendUint16(dst, h.Length)
		dst = le.AppendUint16(dst, 0)
	case KindOldATA:
		dst = le.AppendUint32(dst, uint32(h.Seq))
		dst = le.AppendUint32(dst, 0)
	case KindCHDR:
		dst = le.AppendUint32(dst, h.StreamID)
		dst = le.AppendUint16(dst, h.Length)
		dst = le.AppendUint16(dst, uint16(h.Seq&CHDRSeqMax)|uint16(h.Flags&0x0F)<<12)
	}
	return dst
}

// ParseHeader decodes the header of kind k from the front of buf.
func ParseHeader(k Kind, buf []byte) (Header, error) {
	if !k.Valid() {
		return Header{}, fmt.Errorf("%w: %d", core.ErrUnknownHeaderType, int(k))
	}
	if len(buf) < k.HeaderSize() {
		return Header{}, fmt.Errorf("%w: %s header needs %d bytes, have %d",
			core.ErrPacketTooShort, k, k.HeaderSize(), len(buf))
	}

	le := binary.LittleEndian
	h := Header{Kind: k}
	switch k {
	case KindSeqNum:
		h.Seq = le.Uint64(buf[0:8])
	case KindSeqPlusSize, KindSeqSizeCRC:
		h.Seq = le.Uint64(buf[0:8])
		h.Length = le.Uint16(buf[8:10])
	case KindOldATA:
		h.Seq = uint64(le.Uint32(buf[0:4]))
	case KindCHDR:
		h.StreamID = le.Uint32(buf[0:4])
		h.Length = le.Uint16(buf[4:6])
		seqFlags := le.Uint16(buf[6:8])
		h.Seq = uint64(seqFlags & CHDRSeqMax)
		h.Flags = uint8(seqFlags >> 12)
	}
	return h, nil
}
