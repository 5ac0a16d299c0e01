package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/backup"
	"github.com/lherron/revmerge/internal/cli/appctx"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/merge"
	"github.com/lherron/revmerge/internal/parse"
	"github.com/lherron/revmerge/internal/report"
	"github.com/lherron/revmerge/internal/resolve"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve duplicate pairs from an export and merge them",
	Long: `Run loads a contact export, pairs duplicates by email and merges each pair.

For every pair the authoritative (native) and retiring (imported) records are
backed up, the retiring record is merged into the authoritative one, and the
imported identity reference is copied onto the survivor. Pairs already in the
ledger are skipped. A failed pair never stops the batch.

A JSON report is written to the report directory and a log file to the log
directory. The command exits 1 when any pair failed.

Use --dry-run to see what would happen without touching any record.`,
	Example: `  revmerge run --input contacts.csv --dry-run
  revmerge run --input contacts.csv --email jane@example.com
  revmerge run --input export.json -o json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runInput       string
	runInputFormat string
	runDryRun      bool
	runEmail       string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Contact export to process (csv, json or yaml)")
	runCmd.Flags().StringVar(&runInputFormat, "format", "", "Input format: csv, json, yaml (default: detect)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Resolve and preview every pair without changing anything")
	runCmd.Flags().StringVar(&runEmail, "email", "", "Only process the group sharing this email")
	runCmd.Flags().String("strategy", "", "Merge strategy: merge or delete (overrides merge_strategy)")
	_ = runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, args []string) error {
	app, err := appctx.Bootstrap(cmd, appctx.Options{
		NeedsLedger:   true,
		NeedsClient:   true,
		TokenOptional: runDryRun,
		LogFile:       true,
	})
	if err != nil {
		return exitError(ExitUsage, err)
	}
	defer app.Close()

	cfg := app.Config
	logger := app.Logger()

	if err := cfg.EnsureDirs(); err != nil {
		return exitError(ExitUsage, err)
	}

	loaded, err := parse.LoadFile(runInput, runInputFormat)
	if err != nil {
		return exitError(ExitUsage, fmt.Errorf("failed to load %s: %w", runInput, err))
	}
	for _, rej := range loaded.Rejected {
		logger.Warn("run: rejected input row", zap.Int("row", rej.Row), zap.String("id", rej.ID), zap.String("reason", rej.Reason))
	}
	logger.Info("run: input loaded",
		zap.String("input", runInput),
		zap.Int("records", len(loaded.Records)),
		zap.Int("rejected", len(loaded.Rejected)))

	policy := resolve.PolicyFromConfig(cfg)
	policy.Email = domain.NormalizeEmail(runEmail)
	resolution := resolve.New(policy, app.Ledger, logger).Resolve(loaded.Records)

	collector := backup.NewCollector(app.Client, cfg.BackupDir, logger)
	orch := merge.New(app.Client, collector, app.Ledger, logger, merge.Options{
		DryRun:      runDryRun,
		SettleDelay: cfg.SettleDelay,
		Strategy:    cfg.MergeStrategy,
		RunID:       app.RunID,
		Journal:     app.Ledger,
	})
	result := orch.Run(cmd.Context(), resolution.Pairs)

	rep := report.Build(report.Input{
		Result:     result,
		Resolution: resolution,
		Rejected:   loaded.Rejected,
		Records:    len(loaded.Records),
		Strategy:   cfg.MergeStrategy,
		InputPath:  runInput,
		LogFile:    app.Log.Path,
	})
	if _, err := rep.WriteFile(cfg.ReportDir); err != nil {
		logger.Error("run: failed to write report", zap.Error(err))
	}
	if err := report.Write(app.Renderer, rep); err != nil {
		return err
	}

	if rep.Interrupted {
		return exitError(ExitPairsFailed, fmt.Errorf("interrupted: %d pair(s) not attempted", rep.Counts.NotAttempted))
	}
	if rep.ExitCode() != ExitOK {
		return exitError(ExitPairsFailed, fmt.Errorf("%d of %d pair(s) failed", rep.Counts.Failed, rep.Counts.Attempted))
	}
	return nil
}
