package appctx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lherron/revmerge/internal/render"
)

func testCommand(t *testing.T) (*cobra.Command, string) {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	content := "ledger_path: " + filepath.Join(dir, "state", "ledger.db") + "\n" +
		"log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"output: json\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("DEVREV_API_TOKEN", "")
	t.Setenv("DEVREV_API_TOKEN_FILE", "")
	t.Setenv("REVMERGE_OUTPUT", "")
	t.Setenv("REVMERGE_LEDGER_PATH", "")

	cmd := &cobra.Command{}
	cmd.Flags().String("config", cfgPath, "")
	for _, name := range []string{"ledger", "backup-dir", "report-dir", "log-dir", "log-level", "output", "strategy"} {
		cmd.Flags().String(name, "", "")
	}
	cmd.Flags().Bool("porcelain", false, "")
	cmd.Flags().Bool("no-color", false, "")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd, dir
}

func TestBootstrap_ConfigOnly(t *testing.T) {
	cmd, _ := testCommand(t)

	app, err := Bootstrap(cmd, Options{})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config == nil {
		t.Fatal("Config should not be nil")
	}
	if app.Ledger != nil {
		t.Error("Ledger should be nil when NeedsLedger is false")
	}
	if app.Client != nil {
		t.Error("Client should be nil when NeedsClient is false")
	}
	if app.RunID == "" {
		t.Error("RunID should be set")
	}
	if app.Log.Path != "" {
		t.Errorf("no log file expected, got %s", app.Log.Path)
	}
	if app.Renderer.Format() != render.FormatJSON {
		t.Errorf("format = %q, want json from config file", app.Renderer.Format())
	}
}

func TestBootstrap_WithLedgerAndLogFile(t *testing.T) {
	cmd, dir := testCommand(t)

	app, err := Bootstrap(cmd, Options{NeedsLedger: true, LogFile: true})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Ledger == nil {
		t.Fatal("Ledger should be opened")
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "ledger.db")); err != nil {
		t.Errorf("ledger file not created: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(app.Log.Path), "contact_merge_") {
		t.Errorf("log path = %q", app.Log.Path)
	}

	app.Close()
	app.Close()
}

func TestBootstrap_FlagOverrides(t *testing.T) {
	cmd, dir := testCommand(t)
	override := filepath.Join(dir, "other.db")
	if err := cmd.Flags().Set("ledger", override); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("output", "yaml"); err != nil {
		t.Fatal(err)
	}

	app, err := Bootstrap(cmd, Options{NeedsLedger: true})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config.LedgerPath != override {
		t.Errorf("LedgerPath = %q, want %q", app.Config.LedgerPath, override)
	}
	if app.Ledger.Path() != override {
		t.Errorf("ledger opened at %q", app.Ledger.Path())
	}
	if app.Renderer.Format() != render.FormatYAML {
		t.Errorf("format = %q, want yaml", app.Renderer.Format())
	}
}

func TestBootstrap_ClientRequiresToken(t *testing.T) {
	cmd, _ := testCommand(t)

	_, err := Bootstrap(cmd, Options{NeedsClient: true})
	if err == nil || !strings.Contains(err.Error(), "DEVREV_API_TOKEN") {
		t.Fatalf("expected missing token error, got %v", err)
	}

	app, err := Bootstrap(cmd, Options{NeedsClient: true, TokenOptional: true})
	if err != nil {
		t.Fatalf("Bootstrap with optional token failed: %v", err)
	}
	defer app.Close()
	if app.Client == nil {
		t.Error("Client should be built when the token is optional")
	}
}

func TestBootstrap_InvalidConfig(t *testing.T) {
	cmd, _ := testCommand(t)
	if err := cmd.Flags().Set("strategy", "explode"); err != nil {
		t.Fatal(err)
	}

	_, err := Bootstrap(cmd, Options{})
	if err == nil || !strings.Contains(err.Error(), "merge_strategy") {
		t.Fatalf("expected invalid strategy error, got %v", err)
	}
}
