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

type sendOptions struct {
	streamFlags
	totalBytes int
	sendEOF    bool
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a test pattern to a TCP or UDP peer",
	Long: `Send a repeating ASCII "0123456789" pattern to a peer.

Examples:
  grnet send --port 2000 --bytes 819200
  grnet send --udp --header --host 10.0.0.2 --payload-size 1472
  grnet send --mode server --port 2000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := initHarnessLog(os.Stderr); err != nil {
			return err
		}
		return runSend(ctx, sendOpts, cmd.OutOrStdout())
	},
}

func init() {
	sendOpts.register(sendCmd, "127.0.0.1")
	sendCmd.Flags().IntVar(&sendOpts.totalBytes, "bytes", flow.DefaultPatternBytes, "number of pattern bytes to send")
	sendCmd.Flags().BoolVar(&sendOpts.sendEOF, "send-eof", true, "UDP: send zero-length end-of-stream datagrams on exit")
}

// sendFlow builds the pattern -> network flow described by opts.
func sendFlow(opts sendOptions) config.FlowConfig {
	src := opts.base()
	src["total_bytes"] = opts.totalBytes

	sinkType, sink := opts.transport(flow.RoleSink, "client")
	if opts.useUDP {
		sink["send_eof"] = opts.sendEOF
	}
	return config.FlowConfig{
		Name:   "send",
		Source: config.BlockConfig{Type: "pattern_source", Params: src},
		Sink:   config.BlockConfig{Type: sinkType, Params: sink},
	}
}

func runSend(ctx context.Context, opts sendOptions, out io.Writer) error {
	r, err := runSingle(ctx, sendFlow(opts), out, nil)
	if err != nil {
		return err
	}
	st := r.Blocks()[1].Stats()
	fmt.Fprintf(out, "sent %d bytes in %s (%s)\n",
		st.BytesIn, r.Stats().Elapsed, throughput(st.BytesIn, r.Stats().Elapsed))
	return nil
}
