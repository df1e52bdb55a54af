// Package capture replays UDP payloads out of recorded packet captures.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/grnet/internal/core"
)

// SessionState is the lifecycle of a capture file reader.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionOpen
	SessionExhausted
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionOpen:
		return "open"
	case SessionExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("session(%d)", int(s))
	}
}

// pcapngMagic is the block type of a pcapng Section Header Block.
const pcapngMagic = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Session reads frames from a pcap or pcapng file.
type Session struct {
	path   string
	file   *os.File
	reader packetReader
	state  SessionState
}

// OpenSession opens path and checks that it is a readable Ethernet capture.
func OpenSession(path string) (*Session, error) {
	s := &Session{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCaptureOpen, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", core.ErrCaptureOpen, s.path, err)
	}

	var r packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", core.ErrCaptureOpen, s.path, err)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		f.Close()
		return fmt.Errorf("%w: %s: link type %s is not supported", core.ErrCaptureOpen, s.path, lt)
	}

	s.file = f
	s.reader = r
	s.state = SessionOpen
	return nil
}

// Path returns the capture file path.
func (s *Session) Path() string { return s.path }

// State returns the session state.
func (s *Session) State() SessionState { return s.state }

// Next returns the next frame. io.EOF moves the session to Exhausted.
func (s *Session) Next() ([]byte, gopacket.CaptureInfo, error) {
	if s.state != SessionOpen {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.state = SessionExhausted
			return nil, ci, io.EOF
		}
		return nil, ci, fmt.Errorf("read %s: %w", s.path, err)
	}
	return data, ci, nil
}

// Rewind reopens the file from the first frame.
func (s *Session) Rewind() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.open()
}

// Close releases the file.
func (s *Session) Close() error {
	if s.file == nil {
		s.state = SessionClosed
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	s.state = SessionClosed
	return err
}

// Exhaust closes the file and records that every frame was read.
func (s *Session) Exhaust() error {
	err := s.Close()
	s.state = SessionExhausted
	return err
}
