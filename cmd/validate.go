package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/vl1/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the node.

Examples:
  vl1 validate -c /etc/vl1/vl1.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout())
	},
}

func runValidate(out io.Writer) error {
	if configFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(out, "INVALID: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "VALID: %d listen address(es), %d root(s), %d trusted path(s), %d route(s), %d worker(s)\n",
		len(cfg.Node.Listen),
		len(cfg.Node.Roots),
		len(cfg.TrustedPaths),
		len(cfg.Relay.Routes),
		cfg.Workers.Count,
	)
	return nil
}
