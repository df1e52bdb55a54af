package core

import "sync/atomic"

// Counters holds per-block counters. Every field is safe for concurrent use.
type Counters struct {
	ItemsIn       atomic.Uint64
	ItemsOut      atomic.Uint64
	BytesIn       atomic.Uint64
	BytesOut      atomic.Uint64
	Packets       atomic.Uint64
	MissedPackets atomic.Uint64
	CRCErrors     atomic.Uint64
	DroppedBytes  atomic.Uint64
	Underruns     atomic.Uint64
	PartialFlush  atomic.Uint64
	Reconnects    atomic.Uint64
	EOFMarkers    atomic.Uint64
}

// BlockStats is a point-in-time copy of Counters plus queue state.
type BlockStats struct {
	Name          string
	ItemsIn       uint64
	ItemsOut      uint64
	BytesIn       uint64
	BytesOut      uint64
	Packets       uint64
	MissedPackets uint64
	CRCErrors     uint64
	DroppedBytes  uint64
	Overruns      uint64
	Underruns     uint64
	PartialFlush  uint64
	Reconnects    uint64
	EOFMarkers    uint64
	QueueLen      int
	QueueCap      int
	State         string
}

// Snapshot copies the counters into a BlockStats.
func (c *Counters) Snapshot(name string) BlockStats {
	return BlockStats{
		Name:          name,
		ItemsIn:       c.ItemsIn.Load(),
		ItemsOut:      c.ItemsOut.Load(),
		BytesIn:       c.BytesIn.Load(),
		BytesOut:      c.BytesOut.Load(),
		Packets:       c.Packets.Load(),
		MissedPackets: c.MissedPackets.Load(),
		CRCErrors:     c.CRCErrors.Load(),
		DroppedBytes:  c.DroppedBytes.Load(),
		Underruns:     c.Underruns.Load(),
		PartialFlush:  c.PartialFlush.Load(),
		Reconnects:    c.Reconnects.Load(),
		EOFMarkers:    c.EOFMarkers.Load(),
	}
}
