// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "grnet",
	Short: "grnet - stream sample data over TCP and UDP",
	Long: `grnet moves fixed-size item streams between network transports, files and
capture replays.

Blocks:
  - TCP source/sink in client or server mode, reconnecting on peer loss
  - UDP source/sink with optional sequence, size, CRC and CHDR headers
  - pcap/pcapng replay of the UDP payloads sent to one port
  - file, stdin/stdout, test pattern and null blocks

A flow pairs one source with one sink; "run" executes the flows of a config
file, while "send", "recv" and "replay" build a single flow from flags.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "grnet.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"override log format (json/text)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
	rootCmd.AddCommand(replayCmd)
}
