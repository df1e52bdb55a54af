package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/framing"
	"firestige.xyz/grnet/internal/queue"
)

// eofMarkers is how many zero-length datagrams announce the end of a stream.
const eofMarkers = 3

// Sink packs scheduler items into datagrams of at most PayloadSize bytes and
// sends them to one endpoint.
type Sink struct {
	name   string
	cfg    SinkConfig
	layout framing.Layout
	logger *slog.Logger
	stats  core.Counters

	conn  *net.UDPConn
	batch batchConn
	dst   *net.UDPAddr

	// mu serializes Work, Flush and Stop; the scheduler drives one goroutine
	// but Stop may come from a signal handler.
	mu      sync.Mutex
	q       *queue.ByteQueue
	enc     *framing.Encoder
	msgs    []ipv4.Message
	hdrs    [][]byte
	datas   [][]byte
	trls    [][]byte
	running atomic.Bool
	closed  bool

	sendWarn rate.Sometimes
}

// NewSink resolves the destination and opens the sending socket.
func NewSink(name string, cfg SinkConfig, logger *slog.Logger) (*Sink, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := buildLayout(cfg.HeaderType, cfg.PayloadSize, cfg.ItemSize*cfg.VecLen)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("block", name, "port", cfg.Port, "header", layout.Kind.String())

	dst, netw, err := resolve(cfg.Host, cfg.Port, cfg.IPv6)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrResolve, cfg.Host, err)
	}
	conn, err := net.ListenUDP(netw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrBind, err)
	}

	s := &Sink{
		name:     name,
		cfg:      cfg,
		layout:   layout,
		logger:   logger,
		conn:     conn,
		batch:    newBatchConn(conn, netw == "udp6"),
		dst:      dst,
		enc:      framing.NewEncoder(layout.Kind, uint32(cfg.Port)),
		msgs:     make([]ipv4.Message, maxBatch),
		hdrs:     make([][]byte, maxBatch),
		datas:    make([][]byte, maxBatch),
		trls:     make([][]byte, maxBatch),
		sendWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	s.q = queue.New(layout.DataSize*maxBatch*2, queue.WithLogger(logger), queue.WithName(name))
	for i := range s.msgs {
		s.hdrs[i] = make([]byte, 0, layout.Kind.HeaderSize())
		s.datas[i] = make([]byte, layout.DataSize)
		s.trls[i] = make([]byte, 0, layout.Kind.TrailerSize())
	}
	return s, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) ItemSize() int { return s.layout.BlockSize }

// Layout returns the datagram layout.
func (s *Sink) Layout() framing.Layout { return s.layout }

// Start marks the sink ready; the socket is already open.
func (s *Sink) Start(_ context.Context) error {
	s.running.Store(true)
	s.logger.Info("udp sink started",
		"dest", s.dst.String(),
		"packet_size", s.layout.PacketSize,
		"data_size", s.layout.DataSize)
	return nil
}

// Work sends every complete packet's worth of input and keeps the remainder
// for the next call. All whole items are consumed.
func (s *Sink) Work(in []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	items := len(in) / s.layout.BlockSize
	if items == 0 {
		return 0, nil
	}
	data := in[:items*s.layout.BlockSize]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, core.ErrStopped
	}
	for off := 0; off < len(data); {
		n := min(s.q.Free(), len(data)-off)
		off += s.q.Push(data[off : off+n])
		s.sendFull()
	}
	s.stats.ItemsIn.Add(uint64(items))
	s.stats.BytesIn.Add(uint64(len(data)))
	return items, nil
}

// Flush sends queued data short of a full packet as one shorter datagram.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	s.sendFull()
	rest := s.q.Len()
	if rest == 0 {
		return nil
	}
	s.q.DrainInto(s.datas[0][:rest])
	s.fill(0, rest)
	return s.send(1)
}

// Stop flushes, announces end of stream when configured and closes the
// socket.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.running.Store(false)

	var result *multierror.Error
	if err := s.flushLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.cfg.SendEOF {
		for i := 0; i < eofMarkers; i++ {
			if _, err := s.conn.WriteToUDP(nil, s.dst); err != nil {
				result = multierror.Append(result, fmt.Errorf("send eof marker: %w", err))
				break
			}
			s.stats.EOFMarkers.Add(1)
		}
	}
	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.logger.Info("udp sink stopped",
		"packets", s.stats.Packets.Load(),
		"bytes_out", s.stats.BytesOut.Load())
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	if s.running.Load() {
		st.State = "running"
	} else {
		st.State = "stopped"
	}
	return st
}

// sendFull emits every complete DataSize chunk in batches.
func (s *Sink) sendFull() {
	for s.q.Len() >= s.layout.DataSize {
		n := 0
		for n < maxBatch && s.q.Len() >= s.layout.DataSize {
			s.q.DrainInto(s.datas[n])
			s.fill(n, s.layout.DataSize)
			n++
		}
		if err := s.send(n); err != nil {
			s.sendWarn.Do(func() {
				s.logger.Warn("udp send failed", "error", err)
			})
		}
	}
}

// fill prepares message i carrying dataLen bytes of datas[i].
func (s *Sink) fill(i, dataLen int) {
	data := s.datas[i][:dataLen]
	hdr, trl := s.enc.Encode(data)
	s.hdrs[i] = append(s.hdrs[i][:0], hdr...)
	s.trls[i] = append(s.trls[i][:0], trl...)
	s.msgs[i] = ipv4.Message{
		Buffers: [][]byte{s.hdrs[i], data, s.trls[i]},
		Addr:    s.dst,
	}
}

// send writes the first n prepared messages.
func (s *Sink) send(n int) error {
	sent := 0
	for sent < n {
		w, err := s.batch.WriteBatch(s.msgs[sent:n], 0)
		for _, m := range s.msgs[sent : sent+w] {
			s.stats.BytesOut.Add(uint64(m.N))
		}
		s.stats.Packets.Add(uint64(w))
		sent += w
		if err != nil {
			s.stats.DroppedBytes.Add(uint64((n - sent) * s.layout.DataSize))
			return err
		}
		if w == 0 {
			return fmt.Errorf("udp sink %s: batch write made no progress", s.name)
		}
	}
	return nil
}
