package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/queue"
)

const (
	idleProbeInterval = 250 * time.Millisecond
	writeChunk        = 64 << 10
	dialTimeout       = 10 * time.Second
	flushTimeout      = 5 * time.Second
)

// Sink sends scheduler items to a TCP peer.
//
// Work only queues; a writer goroutine owns all socket writes. In server
// mode a departing client sends the block back to Listening and items that
// arrive with no peer attached are discarded.
type Sink struct {
	name      string
	cfg       Config
	blockSize int
	logger    *slog.Logger
	stats     core.Counters

	conn *connManager
	q    *queue.ByteQueue
	wake chan struct{}

	running atomic.Bool
	eos     atomic.Bool
	writing atomic.Bool // a drained chunk is not yet on the wire
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSink validates cfg and, in client mode, connects to the peer.
func NewSink(name string, cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("block", name, "port", cfg.Port, "mode", cfg.Mode)

	s := &Sink{
		name:      name,
		cfg:       cfg,
		blockSize: cfg.BlockSize(),
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
	s.conn = newConnManager(cfg, logger, &s.stats)
	// whole blocks only, so the writer never splits an item across peers
	qcap := (cfg.QueueBytes / s.blockSize) * s.blockSize
	s.q = queue.New(qcap, queue.WithLogger(logger), queue.WithName(name))

	if cfg.Mode == ModeClient {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := s.conn.dial(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) ItemSize() int { return s.blockSize }

// State returns the connection state.
func (s *Sink) State() State { return s.conn.State() }

// Addr returns the bound or local address.
func (s *Sink) Addr() string {
	if a := s.conn.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Start binds the listener in server mode and starts the writer.
func (s *Sink) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if s.cfg.Mode == ModeServer {
		if err := s.conn.listen(ctx); err != nil {
			s.running.Store(false)
			s.cancel()
			return err
		}
	}

	s.wg.Add(1)
	go s.writeLoop(ctx)
	s.logger.Info("tcp sink started", "queue_bytes", s.q.Cap())
	return nil
}

// Work queues as many whole items of in as fit.
func (s *Sink) Work(in []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	if s.eos.Load() {
		return 0, core.ErrEndOfStream
	}
	items := len(in) / s.blockSize
	if items == 0 {
		return 0, nil
	}

	if c, _ := s.conn.current(); c == nil {
		if s.cfg.Mode == ModeClient {
			s.eos.Store(true)
			return 0, core.ErrEndOfStream
		}
		// no client attached: the stream keeps flowing and is thrown away
		s.stats.ItemsIn.Add(uint64(items))
		s.stats.DroppedBytes.Add(uint64(items * s.blockSize))
		return items, nil
	}

	if fit := s.q.Free() / s.blockSize; fit < items {
		items = fit
	}
	if items == 0 {
		return 0, nil
	}
	n := s.q.Push(in[:items*s.blockSize])
	s.stats.ItemsIn.Add(uint64(items))
	s.stats.BytesIn.Add(uint64(n))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return items, nil
}

// Flush waits until queued items have been written or no peer remains.
func (s *Sink) Flush() error {
	deadline := time.Now().Add(flushTimeout)
	for s.q.Len() > 0 || s.writing.Load() {
		if c, _ := s.conn.current(); c == nil || !s.running.Load() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tcp sink %s: %d bytes still queued after %s", s.name, s.q.Len(), flushTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Stop flushes, cancels the writer, closes the sockets and resets the queue.
func (s *Sink) Stop() error {
	var result *multierror.Error
	if s.running.Load() {
		if err := s.Flush(); err != nil {
			result = multierror.Append(result, err)
		}
		s.running.Store(false)
		s.cancel()
	}
	if err := s.conn.close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.wg.Wait()
	s.q.Reset()
	s.logger.Info("tcp sink stopped", "bytes_out", s.stats.BytesOut.Load())
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	st.State = s.conn.State().String()
	return st
}

func (s *Sink) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, max(writeChunk/s.blockSize, 1)*s.blockSize)
	probe := time.NewTicker(idleProbeInterval)
	defer probe.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		c, _ := s.conn.current()
		if c == nil {
			if s.cfg.Mode == ModeClient {
				s.eos.Store(true)
				return
			}
			if !s.conn.waitReady(ctx) {
				return
			}
			continue
		}

		s.writing.Store(true)
		n := s.q.DrainInto(buf)
		if n == 0 {
			s.writing.Store(false)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-probe.C:
				if gone, err := peerGone(c); gone {
					s.conn.drop(c, err)
				}
			}
			continue
		}

		w, err := c.Write(buf[:n])
		s.writing.Store(false)
		s.stats.BytesOut.Add(uint64(w))
		if err != nil {
			s.stats.DroppedBytes.Add(uint64(n - w))
			if ctx.Err() != nil {
				return
			}
			s.conn.drop(c, err)
			continue
		}
		s.stats.ItemsOut.Add(uint64(n / s.blockSize))
	}
}
