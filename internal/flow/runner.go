// Package flow moves items from one source block to one sink block.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"firestige.xyz/grnet/internal/core"
)

const (
	DefaultPollInterval = 5 * time.Millisecond
	DefaultBatchBytes   = 64 * 1024
)

// Config contains runner configuration.
type Config struct {
	Name         string
	Source       core.Source
	Sink         core.Sink
	PollInterval time.Duration
	BatchBytes   int // upper bound for one source request, rounded to OutputMultiple
	Logger       *slog.Logger
}

// Runner is a single-threaded scheduler for a source/sink pair.
type Runner struct {
	id       string
	name     string
	source   core.Source
	sink     core.Sink
	poll     time.Duration
	itemSize int
	batch    int // items per source request
	metrics  *Metrics
	logger   *slog.Logger
}

// New validates the pair and creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("%w: flow needs a source and a sink", core.ErrConfigInvalid)
	}
	if cfg.Source.ItemSize() != cfg.Sink.ItemSize() {
		return nil, fmt.Errorf("%w: source %s emits %d-byte items but sink %s takes %d-byte items",
			core.ErrConfigInvalid, cfg.Source.Name(), cfg.Source.ItemSize(), cfg.Sink.Name(), cfg.Sink.ItemSize())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = DefaultBatchBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	name := cfg.Name
	if name == "" {
		name = id
	}

	itemSize := cfg.Source.ItemSize()
	multiple := max(cfg.Source.OutputMultiple(), 1)
	batch := multiple * max(1, cfg.BatchBytes/(itemSize*multiple))

	return &Runner{
		id:       id,
		name:     name,
		source:   cfg.Source,
		sink:     cfg.Sink,
		poll:     cfg.PollInterval,
		itemSize: itemSize,
		batch:    batch,
		metrics:  NewMetrics(id, name),
		logger:   cfg.Logger.With("flow", name, "flow_id", id),
	}, nil
}

// ID returns the generated flow identifier.
func (r *Runner) ID() string { return r.id }

// Name returns the configured name, or the ID when none was given.
func (r *Runner) Name() string { return r.name }

// Blocks returns the source and the sink.
func (r *Runner) Blocks() []core.Block { return []core.Block{r.source, r.sink} }

// Stats returns a snapshot of the flow counters.
func (r *Runner) Stats() Stats { return r.metrics.Snapshot() }

// Run starts both blocks and moves items until the source reports end of
// stream, the sink refuses further input, or ctx is cancelled. Both blocks
// are stopped before Run returns.
func (r *Runner) Run(ctx context.Context) (err error) {
	// blocks outlive ctx so the sink can still drain during shutdown
	blockCtx := context.WithoutCancel(ctx)

	if err := r.sink.Start(blockCtx); err != nil {
		return fmt.Errorf("start sink %s: %w", r.sink.Name(), err)
	}
	if err := r.source.Start(blockCtx); err != nil {
		return multierror.Append(
			fmt.Errorf("start source %s: %w", r.source.Name(), err),
			r.sink.Stop(),
		).ErrorOrNil()
	}

	r.metrics.markStarted()
	r.logger.Info("flow started",
		"source", r.source.Name(),
		"sink", r.sink.Name(),
		"item_size", r.itemSize,
		"batch_items", r.batch)

	defer func() {
		r.metrics.markStopped()
		err = multierror.Append(err, r.shutdown()).ErrorOrNil()
		st := r.metrics.Snapshot()
		r.logger.Info("flow stopped",
			"items", st.ItemsConsumed,
			"dropped", st.ItemsDropped,
			"elapsed", st.Elapsed)
	}()

	return r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) error {
	buf := make([]byte, r.batch*r.itemSize)
	for ctx.Err() == nil {
		n, err := r.source.Work(buf)
		if errors.Is(err, core.ErrEndOfStream) {
			r.logger.Info("source reached end of stream")
			return nil
		}
		if err != nil {
			return fmt.Errorf("source %s: %w", r.source.Name(), err)
		}
		r.metrics.Cycles.Add(1)

		if n == 0 {
			r.metrics.IdleCycles.Add(1)
			r.sleep(ctx)
			continue
		}
		r.metrics.ItemsProduced.Add(uint64(n))

		ended, err := r.push(ctx, buf[:n*r.itemSize])
		if err != nil || ended {
			return err
		}
	}
	return nil
}

// push feeds data to the sink until all of it is consumed. It reports
// whether the sink ended the stream.
func (r *Runner) push(ctx context.Context, data []byte) (bool, error) {
	for len(data) > 0 {
		if ctx.Err() != nil {
			r.metrics.ItemsDropped.Add(uint64(len(data) / r.itemSize))
			return false, nil
		}
		m, err := r.sink.Work(data)
		if errors.Is(err, core.ErrEndOfStream) {
			r.metrics.ItemsDropped.Add(uint64(len(data) / r.itemSize))
			r.logger.Info("sink reached end of stream")
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("sink %s: %w", r.sink.Name(), err)
		}
		if m == 0 {
			r.metrics.SinkStalls.Add(1)
			r.sleep(ctx)
			continue
		}
		r.metrics.ItemsConsumed.Add(uint64(m))
		data = data[m*r.itemSize:]
	}
	return false, nil
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Runner) shutdown() error {
	var result *multierror.Error
	if err := r.source.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop source %s: %w", r.source.Name(), err))
	}
	if f, ok := r.sink.(core.Flusher); ok {
		if err := f.Flush(); err != nil {
			r.logger.Warn("sink flush failed", "error", err)
		}
	}
	if err := r.sink.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop sink %s: %w", r.sink.Name(), err))
	}
	return result.ErrorOrNil()
}
