package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/karmagraph/internal/client"
)

var (
	serverURL   string
	karmaSource string
)

// --- karma command ---

var karmaCmd = &cobra.Command{
	Use:   "karma <node-id> <delta>",
	Short: "Queue a weight delta in a running server's karma buffer",
	Args:  cobra.ExactArgs(2),
	RunE:  runKarma,
}

func runKarma(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	delta, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid delta %q", args[1])
	}

	buffered, err := client.New(serverURL).BufferKarma(cmd.Context(), client.KarmaUpdate{
		NodeID: ids[0],
		Delta:  delta,
		Source: karmaSource,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued; %d updates buffered\n", buffered)
	return nil
}

// --- maintain command ---

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run a flush, calibrate and reindex cycle on a running server",
	RunE:  runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	r, err := client.New(serverURL).RunMaintenance(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s in %s\n", r.RunID, r.Duration)
	if r.Flush != nil {
		fmt.Fprintf(out, "  flushed %d entries onto %d nodes\n", r.Flush.Entries, r.Flush.Applied)
	}
	if c := r.Calibration; c != nil {
		fmt.Fprintf(out, "  calibrated %d nodes: %d pruned, %d consolidated, %d at risk\n",
			c.Nodes, c.Pruned, c.Consolidated, c.AtRisk)
	}
	fmt.Fprintf(out, "  indexed %d nodes\n", r.Indexed)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{karmaCmd, maintainCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "server URL (default $KARMAGRAPH_URL or http://127.0.0.1:37778)")
	}
	karmaCmd.Flags().StringVar(&karmaSource, "source", "cli", "Source recorded with the update")
}
