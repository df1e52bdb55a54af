// Package framing implements the optional per-datagram headers that carry
// sequence numbers over an otherwise raw byte stream.
package framing

import (
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/grnet/internal/core"
)

// Kind identifies a header layout. Values are part of the wire contract and
// must match on both ends of a link.
type Kind int

const (
	KindNone        Kind = 0
	KindSeqNum      Kind = 1
	KindSeqPlusSize Kind = 2
	KindSeqSizeCRC  Kind = 3
	KindOldATA      Kind = 4
	KindCHDR        Kind = 5
)

// Header and trailer sizes in bytes.
const (
	seqNumSize      = 8
	seqPlusSizeSize = 12 // u64 seq, u16 len, u16 reserved
	oldATASize      = 8
	chdrSize        = 8
	crcTrailerSize  = 4

	// CHDRSeqMax is the largest 12-bit CHDR sequence number.
	CHDRSeqMax = 0x0FFF
)

var kindNames = map[Kind]string{
	KindNone:        "none",
	KindSeqNum:      "seqnum",
	KindSeqPlusSize: "seqplussize",
	KindSeqSizeCRC:  "seqsizecrc",
	KindOldATA:      "oldata",
	KindCHDR:        "chdr",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is a known header kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// HeaderSize returns the number of bytes in front of the data region.
func (k Kind) HeaderSize() int {
	switch k {
	case KindSeqNum:
		return seqNumSize
	case KindSeqPlusSize, KindSeqSizeCRC:
		return seqPlusSizeSize
	case KindOldATA:
		return oldATASize
	case KindCHDR:
		return chdrSize
	default:
		return 0
	}
}

// TrailerSize returns the number of bytes after the data region.
func (k Kind) TrailerSize() int {
	if k == KindSeqSizeCRC {
		return crcTrailerSize
	}
	return 0
}

// Overhead is HeaderSize plus TrailerSize.
func (k Kind) Overhead() int {
	return k.HeaderSize() + k.TrailerSize()
}

// HasSequence reports whether packets of this kind carry a sequence number.
func (k Kind) HasSequence() bool {
	return k != KindNone
}

// ParseKind accepts a kind name (case-insensitive) or its numeric value.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindNone, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		k := Kind(n)
		if !k.Valid() {
			return KindNone, fmt.Errorf("%w: %d", core.ErrUnknownHeaderType, n)
		}
		return k, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("%w: %q", core.ErrUnknownHeaderType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", core.ErrUnknownHeaderType, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
