package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/revmerge/internal/cli/appctx"
	"github.com/lherron/revmerge/internal/db"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/ledger"
	"github.com/lherron/revmerge/internal/render"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and edit the progress ledger",
	Long: `The ledger records every pair that was merged so later runs skip it, and
journals every attempt with its outcome.`,
}

var ledgerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List processed pairs",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.Options{NeedsLedger: true}, runLedgerLs),
}

var ledgerRmCmd = &cobra.Command{
	Use:   "rm <authoritative-id> <retiring-id>",
	Short: "Forget a processed pair so the next run attempts it again",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  appctx.WithApp(appctx.Options{NeedsLedger: true}, runLedgerRm),
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history [<authoritative-id> <retiring-id>]",
	Short: "Show journaled merge attempts",
	Long: `History lists journaled attempts, newest first. Given a pair it lists every
attempt for that pair, oldest first.`,
	Args: cobra.MaximumNArgs(2),
	RunE: appctx.WithApp(appctx.Options{NeedsLedger: true}, runLedgerHistory),
}

var ledgerMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run any pending ledger migrations",
	Long: `Migrate applies any pending SQL migrations to the ledger.

Migrations are embedded in the revmerge binary and tracked via the
schema_migrations table. Each migration file is applied exactly once.

Use --status to show the current migration status, or --check to exit
non-zero when migrations are pending.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{}, runLedgerMigrate),
}

var (
	historyLimit  int
	migrateStatus bool
	migrateCheck  bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerLsCmd, ledgerRmCmd, ledgerHistoryCmd, ledgerMigrateCmd)

	ledgerHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum attempts to show (0 for all)")
	ledgerMigrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show current migration status")
	ledgerMigrateCmd.Flags().BoolVar(&migrateCheck, "check", false, "Fail when migrations are pending")
}

func runLedgerLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	entries := app.Ledger.Entries()
	if entries == nil {
		entries = []domain.ProgressEntry{}
	}

	rows := make([][]string, 0, len(entries))
	items := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.AuthoritativeID, e.RetiringID, formatTime(e.RecordedAt)})
		items = append(items, e)
	}
	if app.Renderer.Format() == render.FormatNDJSON {
		return app.Renderer.RenderNDJSON(items)
	}
	if err := app.Renderer.Render(entries, []string{"AUTHORITATIVE", "RETIRING", "RECORDED_AT"}, rows); err != nil {
		return err
	}
	if len(entries) == 0 && isHuman(app) {
		fmt.Fprintf(app.Renderer.Writer(), "No processed pairs in %s\n", app.Ledger.Path())
	}
	return nil
}

func runLedgerRm(app *appctx.App, cmd *cobra.Command, args []string) error {
	key, err := parsePairArgs(args)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	removed, err := app.Ledger.Forget(cmd.Context(), key.AuthoritativeID, key.RetiringID)
	if err != nil {
		return err
	}
	if !removed {
		return exitError(ExitPairsFailed, fmt.Errorf("pair %s is not in the ledger", key))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", key)
	return nil
}

func runLedgerHistory(app *appctx.App, cmd *cobra.Command, args []string) error {
	var (
		attempts []ledger.Attempt
		err      error
	)
	switch len(args) {
	case 0:
		attempts, err = app.Ledger.Attempts(cmd.Context(), historyLimit)
	default:
		key, perr := parsePairArgs(args)
		if perr != nil {
			return exitError(ExitUsage, perr)
		}
		attempts, err = app.Ledger.PairAttempts(cmd.Context(), key.AuthoritativeID, key.RetiringID)
	}
	if err != nil {
		return err
	}
	if attempts == nil {
		attempts = []ledger.Attempt{}
	}

	headers := []string{"ID", "RUN", "PAIR", "EMAIL", "RESULT", "STEP", "FINISHED_AT", "ERROR"}
	rows := make([][]string, 0, len(attempts))
	items := make([]interface{}, 0, len(attempts))
	for _, a := range attempts {
		rows = append(rows, []string{
			strconv.FormatInt(a.ID, 10),
			shortRunID(a.RunID),
			a.Key.String(),
			a.Email,
			attemptResult(a),
			string(a.Step),
			formatTime(a.FinishedAt),
			a.Error,
		})
		items = append(items, a)
	}
	if app.Renderer.Format() == render.FormatNDJSON {
		return app.Renderer.RenderNDJSON(items)
	}
	return app.Renderer.Render(attempts, headers, rows)
}

func runLedgerMigrate(app *appctx.App, cmd *cobra.Command, args []string) error {
	database, err := db.Open(app.Config.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer database.Close()

	out := cmd.OutOrStdout()

	if migrateCheck {
		if err := database.RequiresMigrationError(); err != nil {
			return exitError(ExitPairsFailed, err)
		}
		fmt.Fprintln(out, "Ledger is up to date.")
		return nil
	}

	if migrateStatus {
		applied, pending, err := database.MigrationStatus()
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
		return nil
	}

	applied, err := database.Migrate()
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Ledger is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return nil
}

func attemptResult(a ledger.Attempt) string {
	switch {
	case a.DryRun:
		return "dry-run"
	case a.Success && a.ReconcileFailed:
		return "ok (reconcile pending)"
	case a.Success:
		return "ok"
	default:
		return "failed"
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func isHuman(app *appctx.App) bool {
	switch app.Renderer.Format() {
	case render.FormatHuman, render.FormatTable:
		return true
	}
	return false
}
