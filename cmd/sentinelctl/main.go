// Command sentinelctl is a thin CLI front-end over the Sentinel's persisted
// state: deploy plugin bundles, list/inspect/cancel jobs, and decide
// approvals. It is a poller/writer over the store, not a TUI/GUI — it opens
// the same sqlite file sentineld writes to and exits after one operation.
//
// Grounded on cmd/nerd/main.go's cobra root-command shape and
// cmd/query-kb/main.go's thin-query-tool pattern (open storage, run one
// operation, print, exit).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"casparian/internal/clock"
	"casparian/internal/config"
	"casparian/internal/store"
)

var storePath string

var rootCmd = &cobra.Command{
	Use:   "sentinelctl",
	Short: "Inspect and control a running Casparian Flow sentineld",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Path to the sentinel state db (default: from config)")
	rootCmd.AddCommand(deployCmd, jobsCmd, approvalsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentinelctl:", err)
		os.Exit(1)
	}
}

// openStore resolves storePath (flag, else config default) and opens it
// read/write against the real clock — sentinelctl never injects a fake
// clock, that guardrail is for the dispatcher/store's own tests.
func openStore() (*store.Store, error) {
	path := storePath
	if path == "" {
		cfg := config.Default()
		path = cfg.Store.Path
	}
	return store.Open(path, clock.NewReal())
}
