package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusAPI   string
	statusPeers bool
	statusWhois bool
	statusPeer  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Long: `Query a running node through its admin API.

Examples:
  vl1 status                          # address, version, uptime, counters
  vl1 status --peers                  # also list known peers and their paths
  vl1 status --peer 89e92ceee5        # one peer
  vl1 status --whois                  # addresses waiting on identity resolution`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewAPIClient(statusAPI, 10*time.Second)
		return runStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPI, "api", "http://127.0.0.1:9993", "admin API base URL")
	statusCmd.Flags().BoolVar(&statusPeers, "peers", false, "list peers")
	statusCmd.Flags().BoolVar(&statusWhois, "whois", false, "list pending WHOIS lookups")
	statusCmd.Flags().StringVar(&statusPeer, "peer", "", "show one peer by address")
}

func runStatus(ctx context.Context, client APIClient, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	paths := []string{"/status"}
	if statusPeers {
		paths = append(paths, "/peer")
	}
	if statusPeer != "" {
		paths = append(paths, "/peer/"+statusPeer)
	}
	if statusWhois {
		paths = append(paths, "/whois")
	}
	for _, p := range paths {
		raw, err := client.Get(ctx, p)
		if err != nil {
			return fmt.Errorf("query %s: %w", p, err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			return fmt.Errorf("format %s: %w", p, err)
		}
		fmt.Fprintln(out, pretty.String())
	}
	return nil
}
