package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/cli/appctx"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/merge"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Retry identity reference updates that failed after a merge",
	Long: `Reconcile finds pairs whose latest journaled attempt merged the records but
could not copy the imported identity reference onto the surviving record, and
retries only that update.

The records are not backed up or merged again.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var reconcileDryRun bool

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "List the pairs that would be reconciled")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	app, err := appctx.Bootstrap(cmd, appctx.Options{
		NeedsLedger:   true,
		NeedsClient:   true,
		TokenOptional: reconcileDryRun,
		LogFile:       true,
	})
	if err != nil {
		return exitError(ExitUsage, err)
	}
	defer app.Close()

	logger := app.Logger()
	pending, err := app.Ledger.PendingReconciles(cmd.Context())
	if err != nil {
		return err
	}

	orch := merge.New(app.Client, nil, app.Ledger, logger, merge.Options{
		DryRun:  reconcileDryRun,
		RunID:   app.RunID,
		Journal: app.Ledger,
	})

	var outcomes []domain.MergeOutcome
	for _, attempt := range pending {
		if attempt.Outcome == nil {
			logger.Warn("reconcile: journal entry has no outcome payload, skipping",
				zap.Int64("attempt_id", attempt.ID),
				zap.String("pair", attempt.Key.String()))
			continue
		}
		if cmd.Context().Err() != nil {
			break
		}
		outcomes = append(outcomes, orch.Reconcile(cmd.Context(), attempt.Outcome.Pair))
	}

	failed := 0
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		result := "ok"
		if !o.Success {
			failed++
			result = "failed"
		}
		rows = append(rows, []string{o.Pair.Email(), o.Pair.Key().String(), o.Pair.Retiring.IdentityRef, result, o.Error})
	}
	if outcomes == nil {
		outcomes = []domain.MergeOutcome{}
	}
	if err := app.Renderer.Render(outcomes, []string{"EMAIL", "PAIR", "IDENTITY_REF", "RESULT", "ERROR"}, rows); err != nil {
		return err
	}
	if len(outcomes) == 0 && isHuman(app) {
		fmt.Fprintln(app.Renderer.Writer(), "No pairs need reconciliation.")
	}

	if failed > 0 {
		return exitError(ExitPairsFailed, fmt.Errorf("%d of %d reconciliation(s) failed", failed, len(outcomes)))
	}
	return nil
}
