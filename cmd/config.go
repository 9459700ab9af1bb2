package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/vl1/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print a configuration file holding every key with its default",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.WriteExample(cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd)
}
