package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/revmerge/internal/backup"
	"github.com/lherron/revmerge/internal/cli/appctx"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/render"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture, verify and compare record backups",
}

var backupCaptureCmd = &cobra.Command{
	Use:   "capture <record-id>",
	Short: "Back up one contact with its work items and conversations",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.Options{NeedsClient: true}, runBackupCapture),
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-dir>",
	Short: "Check backup artifacts against their manifest checksums",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.Options{}, runBackupVerify),
}

var backupDiffCmd = &cobra.Command{
	Use:   "diff <backup-dir-a> <backup-dir-b>",
	Short: "Show a unified diff between two backups",
	Args:  cobra.ExactArgs(2),
	RunE:  appctx.WithApp(appctx.Options{}, runBackupDiff),
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCaptureCmd, backupVerifyCmd, backupDiffCmd)
}

func runBackupCapture(app *appctx.App, cmd *cobra.Command, args []string) error {
	user, err := app.Client.GetRecord(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", args[0], err)
	}

	record := domain.ContactRecord{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		IdentityRef: user.ExternalRef,
	}
	snap, err := backup.NewCollector(app.Client, app.Config.BackupDir, app.Logger()).Capture(cmd.Context(), record)
	if err != nil {
		return err
	}

	m := snap.Manifest
	if f := app.Renderer.Format(); f == render.FormatJSON || f == render.FormatYAML {
		return app.Renderer.Render(struct {
			Dir      string          `json:"dir" yaml:"dir"`
			Manifest backup.Manifest `json:"manifest" yaml:"manifest"`
		}{snap.Dir, m}, nil, nil)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Captured %s (%d work items, %d conversations)\n",
		m.RecordID, m.Counts.WorkItems, m.Counts.Conversations)
	fmt.Fprintln(cmd.OutOrStdout(), snap.Dir)
	return nil
}

func runBackupVerify(app *appctx.App, cmd *cobra.Command, args []string) error {
	checks, err := backup.VerifyArtifacts(args[0])
	if err != nil {
		return err
	}

	failed := 0
	rows := make([][]string, 0, len(checks))
	for _, c := range checks {
		status := "ok"
		detail := c.Actual
		if !c.OK {
			failed++
			status = "mismatch"
			if c.Error != "" {
				detail = c.Error
			}
		}
		rows = append(rows, []string{c.File, status, detail})
	}
	if err := app.Renderer.Render(checks, []string{"FILE", "STATUS", "DETAIL"}, rows); err != nil {
		return err
	}
	if failed > 0 {
		return exitError(ExitPairsFailed, fmt.Errorf("%d of %d artifact(s) failed verification", failed, len(checks)))
	}
	return nil
}

func runBackupDiff(app *appctx.App, cmd *cobra.Command, args []string) error {
	a, err := backup.Load(args[0])
	if err != nil {
		return err
	}
	b, err := backup.Load(args[1])
	if err != nil {
		return err
	}
	diff, err := backup.Diff(a, b)
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Backups are identical.")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), diff)
	return nil
}
