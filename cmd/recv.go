package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/flow"
)

const byteLimitPoll = 10 * time.Millisecond

type recvOptions struct {
	streamFlags
	out        string
	limit      uint64
	eosOnEmpty bool
}

var recvOpts recvOptions

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive a TCP or UDP stream into a file or stdout",
	Long: `Receive items from a peer and write them to a file or stdout.

With --udp the run ends when the sender's end-of-stream datagram arrives.
Missed packets detected through sequence headers are reported at the end.

Examples:
  grnet recv --port 2000 --out rx.bin
  grnet recv --udp --header --port 2000 --bytes 819200 > rx.bin
  grnet recv --mode client --host 10.0.0.2 --port 2000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := initHarnessLog(os.Stderr); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if recvOpts.out == flow.StdStream {
			out = cmd.ErrOrStderr()
		}
		return runRecv(ctx, recvOpts, out)
	},
}

func init() {
	recvOpts.register(recvCmd, "")
	recvCmd.Flags().StringVar(&recvOpts.out, "out", flow.StdStream, `output file, "-" for stdout`)
	recvCmd.Flags().Uint64Var(&recvOpts.limit, "bytes", 0, "stop after this many bytes (0 = until end of stream)")
	recvCmd.Flags().BoolVar(&recvOpts.eosOnEmpty, "eos", true, "UDP: end on a zero-length datagram")
}

// recvFlow builds the network -> file flow described by opts.
func recvFlow(opts recvOptions) config.FlowConfig {
	srcType, src := opts.transport(flow.RoleSource, "server")
	if opts.useUDP {
		src["eos_on_empty"] = opts.eosOnEmpty
		src["notify_missed"] = true
	}
	sink := opts.base()
	sink["path"] = opts.out
	return config.FlowConfig{
		Name:   "recv",
		Source: config.BlockConfig{Type: srcType, Params: src},
		Sink:   config.BlockConfig{Type: "file_sink", Params: sink},
	}
}

func runRecv(ctx context.Context, opts recvOptions, out io.Writer) error {
	var watch func(context.Context, *flow.Runner, context.CancelFunc)
	if opts.limit > 0 {
		watch = byteLimit(opts.limit)
	}
	r, err := runSingle(ctx, recvFlow(opts), out, watch)
	if err != nil {
		return err
	}
	src, sink := r.Blocks()[0].Stats(), r.Blocks()[1].Stats()
	fmt.Fprintf(out, "received %d bytes in %s (%s), %d packets, %d missed\n",
		sink.BytesIn, r.Stats().Elapsed, throughput(sink.BytesIn, r.Stats().Elapsed),
		src.Packets, src.MissedPackets)
	return nil
}

// byteLimit cancels the flow once its sink has consumed n bytes.
func byteLimit(n uint64) func(context.Context, *flow.Runner, context.CancelFunc) {
	return func(ctx context.Context, r *flow.Runner, cancel context.CancelFunc) {
		ticker := time.NewTicker(byteLimitPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.Blocks()[1].Stats().BytesIn >= n {
					cancel()
					return
				}
			}
		}
	}
}
