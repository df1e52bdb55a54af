package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/table"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/flow"
	"firestige.xyz/grnet/internal/metrics"
)

// flowSet is a group of runners that execute concurrently.
type flowSet struct {
	runners   []*flow.Runner
	collector *metrics.Collector
}

// buildFlows constructs every block and runner. Blocks built before a
// failure are stopped again.
func buildFlows(cfgs []config.FlowConfig, reg *flow.Registry, logger *slog.Logger) (*flowSet, error) {
	fs := &flowSet{collector: metrics.NewCollector()}
	var built []core.Block

	fail := func(err error) (*flowSet, error) {
		var result *multierror.Error
		result = multierror.Append(result, err)
		for _, b := range built {
			if serr := b.Stop(); serr != nil {
				result = multierror.Append(result, serr)
			}
		}
		return nil, result.ErrorOrNil()
	}

	for i, fc := range cfgs {
		src, err := reg.BuildSource(fc.Source.Type, fc.Source.Name, fc.Source.Params, logger)
		if err != nil {
			return fail(fmt.Errorf("flows[%d]: %w", i, err))
		}
		built = append(built, src)

		sink, err := reg.BuildSink(fc.Sink.Type, fc.Sink.Name, fc.Sink.Params, logger)
		if err != nil {
			return fail(fmt.Errorf("flows[%d]: %w", i, err))
		}
		built = append(built, sink)

		r, err := flow.New(flow.Config{
			Name:         fc.Name,
			Source:       src,
			Sink:         sink,
			PollInterval: fc.Poll(),
			Logger:       logger,
		})
		if err != nil {
			return fail(fmt.Errorf("flows[%d]: %w", i, err))
		}
		fs.add(r, fc.Name == "")
	}
	return fs, nil
}

func (fs *flowSet) add(r *flow.Runner, anonymous bool) {
	fs.runners = append(fs.runners, r)
	fs.collector.AddFlow(r.Name(), r)
	for _, b := range r.Blocks() {
		key := b.Name()
		if anonymous {
			key = r.ID() + "." + key
		}
		fs.collector.AddBlock(key, b)
	}
}

// run executes every flow and returns when all have ended. The first flow
// error cancels the others.
func (fs *flowSet) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range fs.runners {
		g.Go(func() error {
			status := metrics.FlowStatus.WithLabelValues(r.Name())
			status.Set(metrics.FlowStatusRunning)

			err := r.Run(gctx)
			outcome := "completed"
			switch {
			case err != nil:
				outcome = "error"
				status.Set(metrics.FlowStatusError)
			case ctx.Err() != nil:
				outcome = "cancelled"
				status.Set(metrics.FlowStatusStopped)
			default:
				status.Set(metrics.FlowStatusStopped)
			}
			metrics.FlowRunsTotal.WithLabelValues(r.Name(), outcome).Inc()

			if err != nil {
				return fmt.Errorf("flow %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// renderStats writes one table row per block.
func renderStats(w io.Writer, runners []*flow.Runner) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Flow",
		"Block",
		"State",
		"Items",
		"Bytes in",
		"Bytes out",
		"Packets",
		"Missed",
		"CRC errors",
		"Dropped",
		"Overruns",
		"Reconnects",
	})

	var elapsed time.Duration
	for _, r := range runners {
		fst := r.Stats()
		elapsed = max(elapsed, fst.Elapsed)
		for _, b := range r.Blocks() {
			s := b.Stats()
			t.AppendRow(table.Row{
				r.Name(),
				s.Name,
				s.State,
				s.ItemsIn + s.ItemsOut,
				s.BytesIn,
				s.BytesOut,
				s.Packets,
				s.MissedPackets,
				s.CRCErrors,
				s.DroppedBytes,
				s.Overruns,
				s.Reconnects,
			})
		}
	}
	t.AppendFooter(table.Row{"", "", "elapsed", elapsed.Round(time.Millisecond).String()})

	fmt.Fprintln(w, t.Render())
}

// throughput formats a byte count over a duration.
func throughput(bytes uint64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	bps := float64(bytes) / d.Seconds()
	return fmt.Sprintf("%.0f Bps, %.0f bps", bps, bps*8)
}
