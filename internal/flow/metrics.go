package flow

import (
	"sync/atomic"
	"time"
)

// Metrics contains per-flow scheduling counters.
type Metrics struct {
	FlowID string
	Name   string

	Cycles        atomic.Uint64
	IdleCycles    atomic.Uint64
	ItemsProduced atomic.Uint64
	ItemsConsumed atomic.Uint64
	SinkStalls    atomic.Uint64
	ItemsDropped  atomic.Uint64

	started atomic.Int64 // unix nanos
	stopped atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(flowID, name string) *Metrics {
	return &Metrics{
		FlowID: flowID,
		Name:   name,
	}
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	FlowID        string
	Name          string
	Cycles        uint64
	IdleCycles    uint64
	ItemsProduced uint64
	ItemsConsumed uint64
	SinkStalls    uint64
	ItemsDropped  uint64
	Elapsed       time.Duration
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Stats {
	s := Stats{
		FlowID:        m.FlowID,
		Name:          m.Name,
		Cycles:        m.Cycles.Load(),
		IdleCycles:    m.IdleCycles.Load(),
		ItemsProduced: m.ItemsProduced.Load(),
		ItemsConsumed: m.ItemsConsumed.Load(),
		SinkStalls:    m.SinkStalls.Load(),
		ItemsDropped:  m.ItemsDropped.Load(),
	}
	if start := m.started.Load(); start != 0 {
		end := m.stopped.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		s.Elapsed = time.Duration(end - start)
	}
	return s
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Cycles.Store(0)
	m.IdleCycles.Store(0)
	m.ItemsProduced.Store(0)
	m.ItemsConsumed.Store(0)
	m.SinkStalls.Store(0)
	m.ItemsDropped.Store(0)
	m.started.Store(0)
	m.stopped.Store(0)
}

func (m *Metrics) markStarted() { m.started.Store(time.Now().UnixNano()) }

func (m *Metrics) markStopped() { m.stopped.Store(time.Now().UnixNano()) }
