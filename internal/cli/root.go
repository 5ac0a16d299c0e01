package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "revmerge",
	Short: "Deduplicate DevRev contacts that share an email",
	Long: `revmerge finds DevRev contacts ("rev users") that describe the same person,
pairs the natively created record with the one brought in by an import, and
merges each pair while keeping the imported identity reference.

Every record is backed up before it is touched, and processed pairs are
recorded in a local ledger so that runs can be repeated safely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Cancelling ctx stops a batch after the pair
// in flight.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (default ~/.config/revmerge/config.yaml)")
	flags.String("ledger", "", "Path to the progress ledger (overrides REVMERGE_LEDGER_PATH)")
	flags.String("backup-dir", "", "Backup root directory (overrides REVMERGE_BACKUP_DIR)")
	flags.String("report-dir", "", "Report directory (overrides REVMERGE_REPORT_DIR)")
	flags.String("log-dir", "", "Log directory (overrides REVMERGE_LOG_DIR)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.StringP("output", "o", "", "Output format: human, table, json, ndjson, yaml, tsv")
	flags.Bool("porcelain", false, "Stable machine-readable output")
	flags.Bool("no-color", false, "Disable colored output")
}
