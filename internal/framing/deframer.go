package framing

import (
	"log/slog"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/queue"
)

// DefaultPartialFlushCycles is how many consecutive Work calls may see a
// partial packet before it is thrown away.
const DefaultPartialFlushCycles = 100

// DeframerConfig configures a Deframer.
type DeframerConfig struct {
	Layout             Layout
	SourceZeros        bool
	NotifyMissed       bool
	PartialFlushCycles int
	Logger             *slog.Logger
	Counters           *core.Counters
}

// Deframer turns a queue of received packets into whole scheduler items.
// It is shared by every datagram source and must only be driven from the
// scheduler goroutine.
type Deframer struct {
	layout  Layout
	q       *queue.ByteQueue
	decoder *Decoder
	loss    LossTracker

	sourceZeros  bool
	notifyMissed bool
	flushCycles  int
	partial      int

	scratch []byte
	logger  *slog.Logger
	stats   *core.Counters
}

// NewDeframer returns a deframer reading packets from q.
func NewDeframer(q *queue.ByteQueue, cfg DeframerConfig) *Deframer {
	if cfg.PartialFlushCycles <= 0 {
		cfg.PartialFlushCycles = DefaultPartialFlushCycles
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counters == nil {
		cfg.Counters = &core.Counters{}
	}
	return &Deframer{
		layout:       cfg.Layout,
		q:            q,
		decoder:      NewDecoder(cfg.Layout.Kind),
		sourceZeros:  cfg.SourceZeros,
		notifyMissed: cfg.NotifyMissed,
		flushCycles:  cfg.PartialFlushCycles,
		scratch:      make([]byte, cfg.Layout.PacketSize),
		logger:       cfg.Logger,
		stats:        cfg.Counters,
	}
}

// Layout returns the packet layout.
func (d *Deframer) Layout() Layout { return d.layout }

// Skipped returns the total number of packets lost so far.
func (d *Deframer) Skipped() uint64 { return d.loss.Skipped() }

// Deliver fills out with whole items and returns the item count.
func (d *Deframer) Deliver(out []byte) int {
	l := d.layout
	requested := len(out) / l.BlockSize
	if requested == 0 {
		return 0
	}

	avail := d.q.Len()
	if avail == 0 {
		d.partial = 0
		d.stats.Underruns.Add(1)
		if d.sourceZeros {
			clear(out[:requested*l.BlockSize])
			d.stats.ItemsOut.Add(uint64(requested))
			return requested
		}
		return 0
	}

	if avail < l.PacketSize {
		d.partial++
		if d.partial >= d.flushCycles {
			n := d.q.Discard(avail)
			d.partial = 0
			d.stats.PartialFlush.Add(1)
			d.stats.DroppedBytes.Add(uint64(n))
			d.logger.Warn("discarding stale partial packet",
				"bytes", n,
				"packet_size", l.PacketSize,
				"cycles", d.flushCycles)
		}
		return 0
	}
	d.partial = 0

	packets := requested / l.ItemsPerPacket
	if ready := avail / l.PacketSize; ready < packets {
		packets = ready
	}
	if packets == 0 {
		// request smaller than one packet: the scheduler honours
		// OutputMultiple so this only happens on odd requests
		return 0
	}

	var missed uint64
	off := 0
	for i := 0; i < packets; i++ {
		pkt := d.scratch[:d.q.DrainInto(d.scratch)]
		if l.Kind == KindNone {
			off += copy(out[off:], pkt)
			continue
		}
		h, data, err := d.decoder.Decode(pkt)
		if err != nil {
			// unreachable with a PacketSize read; keep the output aligned
			clear(out[off : off+l.DataSize])
			off += l.DataSize
			continue
		}
		if l.Kind.HasSequence() {
			missed += d.loss.Observe(h.Seq)
		}
		if h.Flags&CHDRFlagEndOfBurst != 0 {
			d.logger.Debug("end of burst", "seq", h.Seq, "stream_id", h.StreamID)
		}
		off += copy(out[off:off+l.DataSize], data)
	}

	d.stats.Packets.Add(uint64(packets))
	d.stats.BytesOut.Add(uint64(off))
	d.stats.CRCErrors.Store(d.decoder.CRCErrors())
	items := packets * l.ItemsPerPacket
	d.stats.ItemsOut.Add(uint64(items))

	if missed > 0 {
		d.stats.MissedPackets.Add(missed)
		if d.notifyMissed {
			d.logger.Warn("packet loss detected",
				"missed", missed,
				"total_missed", d.loss.Skipped(),
				"last_seq", d.loss.Last())
		}
	}
	return items
}

// Reset drops queued bytes and forgets the sequence state.
func (d *Deframer) Reset() {
	d.q.Reset()
	d.loss.Reset()
	d.partial = 0
}
