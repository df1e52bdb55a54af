// Package core defines the block contract shared by every transport.
package core

import "context"

// Block is the lifecycle every transport exposes to the scheduler.
type Block interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Stats() BlockStats
}

// Source produces items for the scheduler.
//
// Work fills out with whole items and returns how many it wrote. len(out) is
// the requested item count times ItemSize. Zero with a nil error means "try
// again later"; ErrEndOfStream means no further items will ever be produced.
type Source interface {
	Block
	ItemSize() int
	OutputMultiple() int
	Work(out []byte) (int, error)
}

// Sink consumes items from the scheduler.
//
// Work returns how many whole items of in were consumed. ErrEndOfStream tells
// the scheduler to stop feeding the block.
type Sink interface {
	Block
	ItemSize() int
	Work(in []byte) (int, error)
}

// Flusher is implemented by sinks that hold back a partial packet.
type Flusher interface {
	Flush() error
}
