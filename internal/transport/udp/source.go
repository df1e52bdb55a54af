package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/framing"
	"firestige.xyz/grnet/internal/queue"
)

const (
	readPollInterval = 100 * time.Millisecond
	syncReadDeadline = 10 * time.Millisecond
	maxDatagram      = 65536
)

// Source receives datagrams on a bound port and delivers their data region
// as whole items.
type Source struct {
	name     string
	cfg      SourceConfig
	layout   framing.Layout
	logger   *slog.Logger
	stats    core.Counters
	q        *queue.ByteQueue
	deframer *framing.Deframer

	conn  *net.UDPConn
	batch batchConn

	// rx state is owned by the reader goroutine in async mode and by Work
	// in sync mode
	msgs []ipv4.Message
	norm []byte

	running  atomic.Bool
	eos      atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	readWarn rate.Sometimes
}

// NewSource computes the layout and binds the receive socket.
func NewSource(name string, cfg SourceConfig, logger *slog.Logger) (*Source, error) {
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

	laddr, netw, err := resolve(cfg.Host, cfg.Port, cfg.IPv6)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrResolve, cfg.Host, err)
	}
	conn, err := net.ListenUDP(netw, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrBind, laddr, err)
	}
	if cfg.RecvBufferBytes > 0 {
		if err := conn.SetReadBuffer(cfg.RecvBufferBytes); err != nil {
			logger.Warn("set receive buffer failed", "bytes", cfg.RecvBufferBytes, "error", err)
		}
	}

	s := &Source{
		name:     name,
		cfg:      cfg,
		layout:   layout,
		logger:   logger,
		conn:     conn,
		batch:    newBatchConn(conn, netw == "udp6"),
		msgs:     make([]ipv4.Message, maxBatch),
		norm:     make([]byte, layout.PacketSize),
		readWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	s.q = queue.New(queue.CapacityFor(cfg.PayloadSize), queue.WithLogger(logger), queue.WithName(name))
	s.deframer = framing.NewDeframer(s.q, framing.DeframerConfig{
		Layout:             layout,
		SourceZeros:        cfg.SourceZeros,
		NotifyMissed:       cfg.NotifyMissed,
		PartialFlushCycles: cfg.PartialFlushCycles,
		Logger:             logger,
		Counters:           &s.stats,
	})
	for i := range s.msgs {
		s.msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}
	return s, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) ItemSize() int { return s.layout.BlockSize }

func (s *Source) OutputMultiple() int { return s.layout.OutputMultiple }

// Layout returns the datagram layout.
func (s *Source) Layout() framing.Layout { return s.layout }

// Addr returns the bound address.
func (s *Source) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Start launches the reader goroutine in async mode.
func (s *Source) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.ReceiveMode == ReceiveAsync {
		s.wg.Add(1)
		go s.readLoop(ctx)
	}
	s.logger.Info("udp source started",
		"addr", s.conn.LocalAddr().String(),
		"mode", s.cfg.ReceiveMode,
		"packet_size", s.layout.PacketSize,
		"items_per_packet", s.layout.ItemsPerPacket)
	return nil
}

// Work delivers whole packets worth of items.
func (s *Source) Work(out []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	if s.cfg.ReceiveMode == ReceiveSync {
		s.pump()
	}
	if s.eos.Load() && s.q.Len() < s.layout.PacketSize {
		return 0, core.ErrEndOfStream
	}
	return s.deframer.Deliver(out), nil
}

// Stop ends the reader, closes the socket and discards undelivered data.
func (s *Source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.running.CompareAndSwap(true, false) {
			s.cancel()
		}
		err = s.conn.Close()
		s.wg.Wait()
		s.deframer.Reset()
		s.logger.Info("udp source stopped",
			"packets", s.stats.Packets.Load(),
			"missed", s.stats.MissedPackets.Load())
	})
	return err
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	switch {
	case s.eos.Load():
		st.State = "eos"
	case s.running.Load():
		st.State = "running"
	default:
		st.State = "stopped"
	}
	return st
}

func (s *Source) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		if err := s.receive(); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.readWarn.Do(func() {
				s.logger.Warn("udp receive failed", "error", err)
			})
		}
	}
}

// pump drains whatever the kernel holds without blocking Work.
func (s *Source) pump() {
	for i := 0; i < maxBatch; i++ {
		ready, err := datagramReady(s.conn)
		if err != nil || !ready {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(syncReadDeadline))
		if err := s.receive(); err != nil {
			return
		}
	}
}

// receive reads one batch of datagrams into the queue. Deadline expiry is
// not an error.
func (s *Source) receive() error {
	n, err := s.batch.ReadBatch(s.msgs, 0)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		m := &s.msgs[i]
		if m.N == 0 {
			s.stats.EOFMarkers.Add(1)
			if s.cfg.EOSOnEmpty && !s.eos.Swap(true) {
				s.logger.Info("end of stream marker received")
			}
			continue
		}
		// whole packets only, a partial push would break alignment
		pkt := s.layout.Normalize(m.Buffers[0][:m.N], s.norm)
		if !s.q.PushAll(pkt) {
			s.stats.DroppedBytes.Add(uint64(len(pkt)))
			continue
		}
		s.stats.BytesIn.Add(uint64(m.N))
	}
	return nil
}
