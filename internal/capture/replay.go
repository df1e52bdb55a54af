package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/framing"
	"firestige.xyz/grnet/internal/queue"
)

const (
	DefaultHighWaterBytes = 64000
	DefaultPayloadSize    = 1472

	backpressurePoll = 10 * time.Millisecond
	noMatchBackoff   = time.Second
)

// Config holds the capture replay parameters.
type Config struct {
	ItemSize        int     `mapstructure:"item_size" yaml:"item_size"`
	VecLen          int     `mapstructure:"vec_len" yaml:"vec_len"`
	File            string  `mapstructure:"file" yaml:"file"`
	Port            int     `mapstructure:"port" yaml:"port"`
	HeaderType      string  `mapstructure:"header_type" yaml:"header_type"`
	PayloadSize     int     `mapstructure:"payload_size" yaml:"payload_size"`
	NotifyMissed    bool    `mapstructure:"notify_missed" yaml:"notify_missed"`
	Repeat          bool    `mapstructure:"repeat" yaml:"repeat"`
	HighWaterBytes  int     `mapstructure:"high_water_bytes" yaml:"high_water_bytes"`
	RatePPS         float64 `mapstructure:"rate_pps" yaml:"rate_pps"`
	DoneOnExhausted bool    `mapstructure:"done_on_exhausted" yaml:"done_on_exhausted"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.VecLen == 0 {
		c.VecLen = 1
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.HighWaterBytes == 0 {
		c.HighWaterBytes = DefaultHighWaterBytes
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.ItemSize <= 0 || c.VecLen <= 0 {
		return fmt.Errorf("%w: item_size and vec_len must be positive", core.ErrConfigInvalid)
	}
	if c.File == "" {
		return fmt.Errorf("%w: file is required", core.ErrConfigInvalid)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", core.ErrConfigInvalid, c.Port)
	}
	if c.HighWaterBytes < 0 || c.RatePPS < 0 {
		return fmt.Errorf("%w: high_water_bytes and rate_pps must not be negative", core.ErrConfigInvalid)
	}
	kind, err := framing.ParseKind(c.HeaderType)
	if err != nil {
		return err
	}
	_, err = framing.NewLayout(kind, c.PayloadSize, c.ItemSize*c.VecLen)
	return err
}

// Source replays the UDP payloads addressed to one port from a capture file
// as if they had just arrived on a socket.
type Source struct {
	name     string
	cfg      Config
	layout   framing.Layout
	logger   *slog.Logger
	stats    core.Counters
	q        *queue.ByteQueue
	deframer *framing.Deframer

	session *Session
	filter  *Filter
	limiter *rate.Limiter
	norm    []byte

	state     atomic.Int32 // SessionState, readable while the loop runs
	passes    atomic.Uint64
	truncated atomic.Uint64
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewSource opens the capture file and builds the frame filter.
func NewSource(name string, cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := framing.ParseKind(cfg.HeaderType)
	if err != nil {
		return nil, err
	}
	layout, err := framing.NewLayout(kind, cfg.PayloadSize, cfg.ItemSize*cfg.VecLen)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("block", name, "port", cfg.Port, "file", cfg.File)

	session, err := OpenSession(cfg.File)
	if err != nil {
		return nil, err
	}
	filter, err := NewFilter(uint16(cfg.Port))
	if err != nil {
		session.Close()
		return nil, err
	}

	s := &Source{
		name:    name,
		cfg:     cfg,
		layout:  layout,
		logger:  logger,
		session: session,
		filter:  filter,
		norm:    make([]byte, layout.PacketSize),
	}
	if cfg.RatePPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePPS), 1)
	}
	capacity := max(queue.CapacityFor(cfg.PayloadSize), cfg.HighWaterBytes+2*cfg.PayloadSize)
	s.q = queue.New(capacity, queue.WithLogger(logger), queue.WithName(name))
	s.deframer = framing.NewDeframer(s.q, framing.DeframerConfig{
		Layout:       layout,
		NotifyMissed: cfg.NotifyMissed,
		Logger:       logger,
		Counters:     &s.stats,
	})
	s.state.Store(int32(SessionOpen))
	return s, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) ItemSize() int { return s.layout.BlockSize }

func (s *Source) OutputMultiple() int { return s.layout.OutputMultiple }

// State returns the capture session state.
func (s *Source) State() SessionState { return SessionState(s.state.Load()) }

// Passes returns how many times the file has been read to the end.
func (s *Source) Passes() uint64 { return s.passes.Load() }

// Start launches the replay goroutine.
func (s *Source) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.replayLoop(ctx)
	s.logger.Info("capture replay started", "repeat", s.cfg.Repeat, "rate_pps", s.cfg.RatePPS)
	return nil
}

// Work delivers replayed packets the same way a UDP source delivers received
// ones.
func (s *Source) Work(out []byte) (int, error) {
	if !s.running.Load() {
		return 0, core.ErrNotStarted
	}
	if s.cfg.DoneOnExhausted && s.State() == SessionExhausted && s.q.Len() < s.layout.PacketSize {
		return 0, core.ErrEndOfStream
	}
	return s.deframer.Deliver(out), nil
}

// Stop ends the replay goroutine and closes the file.
func (s *Source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.running.CompareAndSwap(true, false) {
			s.cancel()
		}
		s.wg.Wait()
		err = s.session.Close()
		s.deframer.Reset()
		s.logger.Info("capture replay stopped",
			"packets", s.stats.Packets.Load(),
			"passes", s.passes.Load(),
			"truncated", s.truncated.Load())
	})
	return err
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() core.BlockStats {
	st := s.stats.Snapshot(s.name)
	st.Overruns = s.q.Overruns()
	st.QueueLen = s.q.Len()
	st.QueueCap = s.q.Cap()
	st.State = s.State().String()
	return st
}

func (s *Source) replayLoop(ctx context.Context) {
	defer s.wg.Done()

	var matched uint64
	for ctx.Err() == nil {
		frame, ci, err := s.session.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("capture read failed, treating as end of file", "error", err)
			}
			if !s.endOfPass(ctx, matched) {
				return
			}
			matched = 0
			continue
		}

		if ci.CaptureLength != ci.Length {
			s.truncated.Add(1)
			continue
		}
		payload, ok := s.filter.Match(frame)
		if !ok || len(payload) == 0 {
			continue
		}
		matched++

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if !s.waitBelow(ctx, s.cfg.HighWaterBytes) {
			return
		}
		pkt := s.layout.Normalize(payload, s.norm)
		if s.q.PushAll(pkt) {
			s.stats.BytesIn.Add(uint64(len(payload)))
		} else {
			s.stats.DroppedBytes.Add(uint64(len(pkt)))
		}
	}
}

// endOfPass handles end of file. It reports whether the loop continues.
func (s *Source) endOfPass(ctx context.Context, matched uint64) bool {
	s.passes.Add(1)
	if matched == 0 {
		s.logger.Error("no packets in capture matched the destination port; check port", "port", s.cfg.Port)
	}

	// let the consumer catch up before starting over or giving up
	if !s.waitBelow(ctx, s.cfg.PayloadSize-1) {
		return false
	}

	if !s.cfg.Repeat {
		if err := s.session.Exhaust(); err != nil {
			s.logger.Warn("close capture failed", "error", err)
		}
		s.state.Store(int32(SessionExhausted))
		s.logger.Info("capture exhausted", "passes", s.passes.Load())
		return false
	}

	if matched == 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(noMatchBackoff):
		}
	}
	if err := s.session.Rewind(); err != nil {
		s.logger.Error("rewind capture failed", "error", err)
		s.state.Store(int32(SessionClosed))
		return false
	}
	s.logger.Debug("capture rewound", "pass", s.passes.Load())
	return true
}

// waitBelow blocks until the queue holds at most limit bytes.
func (s *Source) waitBelow(ctx context.Context, limit int) bool {
	t := time.NewTicker(backpressurePoll)
	defer t.Stop()
	for s.q.Len() > limit {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}
