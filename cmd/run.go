package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/flow"
	"firestige.xyz/grnet/internal/log"
	"firestige.xyz/grnet/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the flows of a config file",
	Long: `Run every flow of the configuration file concurrently.

The command will:
  1. Load global configuration from the config file
  2. Initialize logging and, when enabled, the metrics endpoint
  3. Build every source and sink block
  4. Move items until each flow ends or SIGINT/SIGTERM arrives
  5. Print a per-block statistics table

Examples:
  grnet run -c grnet.yml
  GRNET_LOG_LEVEL=debug grnet run -c grnet.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runConfig(ctx, configFile, cmd.OutOrStdout())
	},
}

// runConfig runs the flows of the config file at path and writes the
// statistics table to out.
func runConfig(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyLogFlags(&cfg.Log)

	console := io.Writer(os.Stdout)
	if writesStdout(cfg.Flows) {
		console = os.Stderr
		out = os.Stderr
	}
	logCloser, err := log.Init(cfg.Log, log.WithConsole(console))
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if len(cfg.Flows) == 0 {
		return fmt.Errorf("%s: no flows configured", path)
	}

	fs, err := buildFlows(cfg.Flows, flow.DefaultRegistry(), slog.Default())
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if err := prometheus.Register(fs.collector); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
		defer prometheus.Unregister(fs.collector)

		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, nil)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	slog.Info("running flows", "count", len(fs.runners), "config", path)
	err = fs.run(ctx)
	renderStats(out, fs.runners)
	return err
}

// applyLogFlags lets the global flags override the configured log settings.
func applyLogFlags(lc *config.LogConfig) {
	if logLevel != "" {
		lc.Level = logLevel
	}
	if logFormat != "" {
		lc.Format = logFormat
	}
}

// writesStdout reports whether any flow streams its data to stdout, in which
// case logs and tables go to stderr.
func writesStdout(flows []config.FlowConfig) bool {
	for _, fc := range flows {
		if fc.Sink.Type == "file_sink" && fc.Sink.Params["path"] == flow.StdStream {
			return true
		}
	}
	return false
}
