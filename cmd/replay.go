package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/flow"
)

type replayOptions struct {
	streamFlags
	file    string
	out     string
	ratePPS float64
	repeat  bool
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the UDP payloads of a capture file",
	Long: `Extract the UDP payloads sent to one port from a pcap or pcapng file and
write the deframed items to a file or stdout.

Examples:
  grnet replay --file trace.pcap --port 2000 --header --out rx.bin
  grnet replay --file trace.pcapng --port 2000 --rate-pps 1000 --repeat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := initHarnessLog(os.Stderr); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if replayOpts.out == flow.StdStream {
			out = cmd.ErrOrStderr()
		}
		return runReplay(ctx, replayOpts, out)
	},
}

func init() {
	replayOpts.register(replayCmd, "")
	fl := replayCmd.Flags()
	fl.StringVar(&replayOpts.file, "file", "", "pcap or pcapng capture file")
	fl.StringVar(&replayOpts.out, "out", flow.StdStream, `output file, "-" for stdout`)
	fl.Float64Var(&replayOpts.ratePPS, "rate-pps", 0, "packets per second (0 = unthrottled)")
	fl.BoolVar(&replayOpts.repeat, "repeat", false, "restart from the beginning at end of file")
	_ = replayCmd.MarkFlagRequired("file")
}

// replayFlow builds the capture -> file flow described by opts.
func replayFlow(opts replayOptions) config.FlowConfig {
	src := opts.base()
	src["file"] = opts.file
	src["port"] = opts.port
	src["header_type"] = opts.kind()
	src["payload_size"] = opts.payloadSize
	src["rate_pps"] = opts.ratePPS
	src["repeat"] = opts.repeat
	src["notify_missed"] = true
	src["done_on_exhausted"] = !opts.repeat

	sink := opts.base()
	sink["path"] = opts.out
	return config.FlowConfig{
		Name:   "replay",
		Source: config.BlockConfig{Type: "pcap_source", Params: src},
		Sink:   config.BlockConfig{Type: "file_sink", Params: sink},
	}
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) error {
	r, err := runSingle(ctx, replayFlow(opts), out, nil)
	if err != nil {
		return err
	}
	src, sink := r.Blocks()[0].Stats(), r.Blocks()[1].Stats()
	fmt.Fprintf(out, "replayed %d packets, %d bytes, %d missed\n",
		src.Packets, sink.BytesIn, src.MissedPackets)
	return nil
}
