package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/flow"
)

// StatsProvider is anything that reports block counters.
type StatsProvider interface {
	Stats() core.BlockStats
}

// FlowProvider reports flow counters.
type FlowProvider interface {
	Stats() flow.Stats
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(core.BlockStats) float64
}

func blockCounter(name, help string, value func(core.BlockStats) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc("grnet_block_"+name, help, []string{"block"}, nil),
		value: func(s core.BlockStats) float64 { return float64(value(s)) },
	}
}

var blockCounters = []counterDesc{
	blockCounter("items_in_total", "Items accepted by a sink", func(s core.BlockStats) uint64 { return s.ItemsIn }),
	blockCounter("items_out_total", "Items delivered by a source", func(s core.BlockStats) uint64 { return s.ItemsOut }),
	blockCounter("bytes_in_total", "Bytes taken in from the network or the scheduler", func(s core.BlockStats) uint64 { return s.BytesIn }),
	blockCounter("bytes_out_total", "Bytes handed to the network or the scheduler", func(s core.BlockStats) uint64 { return s.BytesOut }),
	blockCounter("packets_total", "Datagrams sent or received", func(s core.BlockStats) uint64 { return s.Packets }),
	blockCounter("missed_packets_total", "Sequence gaps detected on receive", func(s core.BlockStats) uint64 { return s.MissedPackets }),
	blockCounter("crc_errors_total", "Datagrams whose CRC trailer did not match", func(s core.BlockStats) uint64 { return s.CRCErrors }),
	blockCounter("dropped_bytes_total", "Bytes discarded", func(s core.BlockStats) uint64 { return s.DroppedBytes }),
	blockCounter("overruns_total", "Queue overflows", func(s core.BlockStats) uint64 { return s.Overruns }),
	blockCounter("underruns_total", "Work calls that found no data", func(s core.BlockStats) uint64 { return s.Underruns }),
	blockCounter("partial_flushes_total", "Partial packets discarded by the watchdog", func(s core.BlockStats) uint64 { return s.PartialFlush }),
	blockCounter("reconnects_total", "Peer connections after the first", func(s core.BlockStats) uint64 { return s.Reconnects }),
	blockCounter("eof_markers_total", "Zero-length end-of-stream datagrams", func(s core.BlockStats) uint64 { return s.EOFMarkers }),
}

var (
	queueBytesDesc = prometheus.NewDesc("grnet_block_queue_bytes",
		"Bytes buffered in the block queue", []string{"block"}, nil)
	queueCapDesc = prometheus.NewDesc("grnet_block_queue_capacity_bytes",
		"Capacity of the block queue", []string{"block"}, nil)
	stateDesc = prometheus.NewDesc("grnet_block_state",
		"Current block state, 1 for the active state label", []string{"block", "state"}, nil)

	flowItemsDesc = prometheus.NewDesc("grnet_flow_items_total",
		"Items moved by a flow, by stage", []string{"flow", "stage"}, nil)
	flowIdleDesc = prometheus.NewDesc("grnet_flow_idle_cycles_total",
		"Scheduler cycles where the source had nothing", []string{"flow"}, nil)
	flowStallDesc = prometheus.NewDesc("grnet_flow_sink_stalls_total",
		"Scheduler cycles where the sink took nothing", []string{"flow"}, nil)
)

// Collector pulls block and flow statistics at scrape time.
type Collector struct {
	mu     sync.RWMutex
	blocks map[string]StatsProvider
	flows  map[string]FlowProvider
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		blocks: make(map[string]StatsProvider),
		flows:  make(map[string]FlowProvider),
	}
}

// AddBlock registers a block under name, replacing any previous one.
func (c *Collector) AddBlock(name string, b StatsProvider) {
	c.mu.Lock()
	c.blocks[name] = b
	c.mu.Unlock()
}

// AddFlow registers a flow under name.
func (c *Collector) AddFlow(name string, f FlowProvider) {
	c.mu.Lock()
	c.flows[name] = f
	c.mu.Unlock()
}

// Remove forgets a block or flow.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	delete(c.blocks, name)
	delete(c.flows, name)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range blockCounters {
		ch <- m.desc
	}
	ch <- queueBytesDesc
	ch <- queueCapDesc
	ch <- stateDesc
	ch <- flowItemsDesc
	ch <- flowIdleDesc
	ch <- flowStallDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range sortedKeys(c.blocks) {
		s := c.blocks[name].Stats()
		for _, m := range blockCounters {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.value(s), name)
		}
		ch <- prometheus.MustNewConstMetric(queueBytesDesc, prometheus.GaugeValue, float64(s.QueueLen), name)
		ch <- prometheus.MustNewConstMetric(queueCapDesc, prometheus.GaugeValue, float64(s.QueueCap), name)
		if s.State != "" {
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, 1, name, s.State)
		}
	}

	for _, name := range sortedKeys(c.flows) {
		s := c.flows[name].Stats()
		ch <- prometheus.MustNewConstMetric(flowItemsDesc, prometheus.CounterValue, float64(s.ItemsProduced), name, "produced")
		ch <- prometheus.MustNewConstMetric(flowItemsDesc, prometheus.CounterValue, float64(s.ItemsConsumed), name, "consumed")
		ch <- prometheus.MustNewConstMetric(flowItemsDesc, prometheus.CounterValue, float64(s.ItemsDropped), name, "dropped")
		ch <- prometheus.MustNewConstMetric(flowIdleDesc, prometheus.CounterValue, float64(s.IdleCycles), name)
		ch <- prometheus.MustNewConstMetric(flowStallDesc, prometheus.CounterValue, float64(s.SinkStalls), name)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
