package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/flow"
	"firestige.xyz/grnet/internal/log"
)

// streamFlags are the options shared by send, recv and replay.
type streamFlags struct {
	itemSize    int
	vecLen      int
	host        string
	port        int
	useUDP      bool
	header      bool
	headerCRC   bool
	headerType  string
	payloadSize int
	mode        string
}

func (f *streamFlags) register(cmd *cobra.Command, defaultHost string) {
	fl := cmd.Flags()
	fl.IntVar(&f.itemSize, "item-size", 1, "item size in bytes")
	fl.IntVar(&f.vecLen, "vec-len", 64, "items per block")
	fl.StringVar(&f.host, "host", defaultHost, "peer host or bind address")
	fl.IntVar(&f.port, "port", 2000, "TCP/UDP port")
	fl.BoolVar(&f.useUDP, "udp", false, "use UDP instead of TCP")
	fl.BoolVar(&f.header, "header", false, "UDP: sequence number plus size header")
	fl.BoolVar(&f.headerCRC, "header-crc", false, "UDP: sequence, size and CRC header")
	fl.StringVar(&f.headerType, "header-type", "", "UDP: explicit header type (none/seqnum/seqplussize/seqsizecrc/chdr/oldata)")
	fl.IntVar(&f.payloadSize, "payload-size", 1472, "UDP: datagram payload size in bytes")
	fl.StringVar(&f.mode, "mode", "", "TCP: client or server")
}

// kind resolves the UDP header flags; an explicit --header-type wins.
func (f *streamFlags) kind() string {
	switch {
	case f.headerType != "":
		return f.headerType
	case f.headerCRC:
		return "seqsizecrc"
	case f.header:
		return "seqplussize"
	default:
		return "none"
	}
}

func (f *streamFlags) base() map[string]any {
	return map[string]any{
		"item_size": f.itemSize,
		"vec_len":   f.vecLen,
	}
}

// transport returns the block type and params of the network side.
func (f *streamFlags) transport(role, defaultMode string) (string, map[string]any) {
	params := f.base()
	params["host"] = f.host
	params["port"] = f.port
	if f.useUDP {
		params["header_type"] = f.kind()
		params["payload_size"] = f.payloadSize
		return "udp_" + role, params
	}
	mode := f.mode
	if mode == "" {
		mode = defaultMode
	}
	params["mode"] = mode
	return "tcp_" + role, params
}

// initHarnessLog sets up logging from defaults and the global flags. The
// defaults never open a log file.
func initHarnessLog(console io.Writer) error {
	lc := config.Default().Log
	applyLogFlags(&lc)
	_, err := log.Init(lc, log.WithConsole(console))
	return err
}

// runSingle builds and runs one flow, then writes its statistics to out.
// watch, when set, runs alongside the flow and may cancel it.
func runSingle(ctx context.Context, fc config.FlowConfig, out io.Writer,
	watch func(ctx context.Context, r *flow.Runner, cancel context.CancelFunc)) (*flow.Runner, error) {
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	fs, err := buildFlows([]config.FlowConfig{fc}, flow.DefaultRegistry(), slog.Default())
	if err != nil {
		return nil, err
	}
	r := fs.runners[0]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if watch != nil {
		go watch(ctx, r, cancel)
	}

	err = fs.run(ctx)
	renderStats(out, fs.runners)
	return r, err
}
