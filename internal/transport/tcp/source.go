package tcp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/queue"
)

const (
	readPollInterval = 100 * time.Millisecond
	readChunk        = 64 << 10
	fullQueueBackoff = 5 * time.Millisecond
)

// Source receives a byte stream from a TCP peer and delivers it as whole
// items.
//
// A reader goroutine fills the queue; Work only drains it. When a server
// mode peer leaves, the trailing partial item is discarded so the next
// peer's stream starts on an item boundary.
type Source struct {
	name      string
	cfg       Config
	blockSize int
	logger    *slog.Logger
	stats     core.Counters

	conn *connManager
	q    *queue.ByteQueue
	rxMu sync.Mutex // serializes socket reads with disconnect handling

	running    atomic.Bool
	peerClosed atomic.Bool // client mode: the only peer is gone
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSource validates cfg and, in client mode, connects to the peer.
func NewSource(name string, cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("block", name, "port", cfg.Port, "mode", cfg.Mode)

	s := &Source{
		name:      name,
		cfg:       cfg,
		blockSize: cfg.BlockSize(),
		logger:    logger,
	}
	s.conn = newConnManager(cfg, logger, &s.stats)
	s.q = queue.New(cfg.QueueBytes, queue.WithLogger(logger), queue.WithName(name))

	if cfg.Mode == ModeClient {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if err := s.conn.dial(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) ItemSize() int { return s.blockSize }

func (s *Source) OutputMultiple() int { return 1 }

// State returns the connection state.
func (s *Source) State() State { return s.conn.State() }

// Addr returns the bound or local address.
func (s *Source) Addr() string {
	if a := s.conn.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// Start binds the listener in server mode and starts the reader.
func (s *Source) Start(ctx context.Context) error {
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
	go s.readLoop(ctx)
	s.logger.Info("tcp source started", "queue_bytes", s.q.Cap())
	return nil
}

// Work copies up to len(out)/ItemSize whole items out of the queue.
func (s *Source) Work(out []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	requested := len(out) / s.blockSize
	if requested == 0 {
		return 0, nil
	}

	avail := s.q.Len() / s.blockSize
	if avail == 0 {
		if s.peerClosed.Load() {
			return 0, core.ErrEndOfStream
		}
		// skip the probe while the reader is mid-read; it will see the
		// disconnect itself
		if c, _ := s.conn.current(); c != nil && s.rxMu.TryLock() {
			if gone, err := peerGone(c); gone {
				s.disconnect(c, err)
			}
			s.rxMu.Unlock()
		}
		s.stats.Underruns.Add(1)
		return 0, nil
	}

	items := min(requested, avail)
	n := s.q.DrainInto(out[:items*s.blockSize])
	s.stats.ItemsOut.Add(uint64(items))
	s.stats.BytesOut.Add(uint64(n))
	return items, nil
}

// Stop cancels the reader, closes the sockets and resets the queue.
func (s *Source) Stop() error {
	var result *multierror.Error
	if s.running.CompareAndSwap(true, false) {
		s.cancel()
	}
	if err := s.conn.close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.wg.Wait()
	if n := s.q.Reset(); n > 0 {
		s.logger.Debug("discarded undelivered bytes", "bytes", n)
	}
	s.logger.Info("tcp source stopped", "bytes_in", s.stats.BytesIn.Load())
	return result.ErrorOrNil()
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	st.State = s.conn.State().String()
	return st
}

// disconnect trims the partial item left by c and retires it. The caller
// holds rxMu. Work only removes whole items, so the remainder is stable
// while it runs.
func (s *Source) disconnect(c *net.TCPConn, cause error) {
	if cur, _ := s.conn.current(); cur != c {
		return
	}
	if rem := s.q.Len() % s.blockSize; rem > 0 {
		s.q.DiscardTail(rem)
		s.stats.DroppedBytes.Add(uint64(rem))
		s.logger.Debug("discarded partial item", "bytes", rem)
	}
	if s.cfg.Mode == ModeClient {
		s.peerClosed.Store(true)
	}
	s.conn.drop(c, cause)
}

func (s *Source) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return
		}

		c, _ := s.conn.current()
		if c == nil {
			if s.cfg.Mode == ModeClient {
				s.peerClosed.Store(true)
				return
			}
			if !s.conn.waitReady(ctx) {
				return
			}
			continue
		}

		// leave data in the kernel rather than overrun the queue
		room := min(s.q.Free(), len(buf))
		if room == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(fullQueueBackoff):
			}
			continue
		}

		s.rxMu.Lock()
		_ = c.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := c.Read(buf[:room])
		if n > 0 {
			s.q.Push(buf[:n])
			s.stats.BytesIn.Add(uint64(n))
		}
		if err != nil && !isTimeout(err) && ctx.Err() == nil {
			s.disconnect(c, err)
		}
		s.rxMu.Unlock()
	}
}
