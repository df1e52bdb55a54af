// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following the package-prefixed sentinel pattern.
var (
	// Construction errors. A block that returns one of these was never created.
	ErrConfigInvalid     = errors.New("grnet: invalid configuration")
	ErrUnknownHeaderType = errors.New("grnet: unknown header type")
	ErrPayloadTooSmall   = errors.New("grnet: payload size too small")
	ErrResolve           = errors.New("grnet: unable to resolve host")
	ErrConnect           = errors.New("grnet: connection failed")
	ErrBind              = errors.New("grnet: unable to bind")
	ErrCaptureOpen       = errors.New("grnet: unable to open capture file")

	// Stream errors
	ErrEndOfStream = errors.New("grnet: end of stream")
	ErrNotStarted  = errors.New("grnet: block not started")
	ErrStopped     = errors.New("grnet: block stopped")

	// Framing errors
	ErrPacketTooShort   = errors.New("grnet: packet too short")
	ErrUnsupportedProto = errors.New("grnet: unsupported protocol")

	// Factory errors
	ErrBlockTypeNotFound = errors.New("grnet: block type not found")
)
