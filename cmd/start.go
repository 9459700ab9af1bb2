package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/vl1/internal/daemon"
)

var startPIDFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node in the foreground",
	Long: `Run the node in the foreground until SIGTERM or SIGINT.

The node will:
  1. Load configuration and initialize logging and metrics
  2. Load its identity, generating one on first start
  3. Load roots, trusted paths and the peer cache
  4. Bind the UDP sockets and start the receive workers
  5. Serve the admin API and greet the roots
  6. Reload trusted paths on SIGHUP and save the peer cache on shutdown

Examples:
  vl1 start                       # defaults
  vl1 start -c /etc/vl1/vl1.yml   # explicit config`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStart(); err != nil {
			exitWithError("node failed", err)
		}
	},
}

func init() {
	startCmd.Flags().StringVarP(&startPIDFile, "pidfile", "p", "", "PID file path")
}

func runStart() error {
	d, err := daemon.New(configFile, startPIDFile)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}
	return d.Run()
}
