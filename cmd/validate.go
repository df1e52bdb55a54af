package cmd

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"firestige.xyz/grnet/internal/config"
	"firestige.xyz/grnet/internal/flow"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file and print the effective configuration",
	Long: `Validate the configuration file without opening any socket or file.

Every flow's block types and params are checked; on success the effective
configuration, defaults included, is printed as YAML.

Examples:
  grnet validate -c grnet.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, flow.DefaultRegistry(), cmd.OutOrStdout())
	},
}

func runValidate(path string, reg *flow.Registry, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	var result *multierror.Error
	for i, fc := range cfg.Flows {
		if err := reg.Validate(fc.Source.Type, flow.RoleSource, fc.Source.Params); err != nil {
			result = multierror.Append(result, fmt.Errorf("flows[%d].source: %w", i, err))
		}
		if err := reg.Validate(fc.Sink.Type, flow.RoleSink, fc.Sink.Params); err != nil {
			result = multierror.Append(result, fmt.Errorf("flows[%d].sink: %w", i, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	dump, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "VALID: %d flow(s)\n", len(cfg.Flows))
	_, err = out.Write(dump)
	return err
}
