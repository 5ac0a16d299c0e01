// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup, ledger opening and API client
// construction to reduce boilerplate across commands.
package appctx

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lherron/revmerge/internal/config"
	"github.com/lherron/revmerge/internal/devrev"
	"github.com/lherron/revmerge/internal/ledger"
	"github.com/lherron/revmerge/internal/logging"
	"github.com/lherron/revmerge/internal/render"
)

// UserAgent is sent with every API request
var UserAgent = "revmerge/dev"

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// RunID identifies this invocation in logs, the journal and the report
	RunID string

	// Log owns the logger and, for runs that write one, the log file
	Log *logging.Context

	// Ledger is the opened progress ledger (nil if NeedsLedger is false)
	Ledger *ledger.Ledger

	// Client is the API client (nil if NeedsClient is false)
	Client *devrev.Client

	// Renderer writes command output in the selected format
	Renderer *render.Renderer
}

// Logger returns the run logger
func (a *App) Logger() *zap.Logger {
	return a.Log.Logger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.Logger().Warn("appctx: failed to close ledger", zap.Error(err))
		}
		a.Ledger = nil
	}
	if a.Log != nil {
		_ = a.Log.Close()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsLedger opens the progress ledger
	NeedsLedger bool

	// NeedsClient builds an API client; the token is required unless
	// TokenOptional is set
	NeedsClient   bool
	TokenOptional bool

	// LogFile writes a contact_merge_<ts>.log file into the log directory
	LogFile bool
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// Resources are released automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, RunID: uuid.NewString()}

	logOpts := logging.Options{
		Level:  cfg.LogLevel,
		RunID:  app.RunID,
		Stderr: zapcore.AddSync(cmd.ErrOrStderr()),
	}
	if opts.LogFile {
		logOpts.Dir = cfg.LogDir
	}
	app.Log, err = logging.New(logOpts)
	if err != nil {
		return nil, err
	}

	app.Renderer = render.NewRenderer(cmd.OutOrStdout(), render.Options{
		Format:    format,
		Porcelain: boolFlag(cmd, "porcelain"),
		Color:     !boolFlag(cmd, "no-color") && isTerminal(cmd),
	})

	if opts.NeedsLedger {
		l, err := ledger.Open(cfg.LedgerPath, ledger.Options{Logger: app.Logger()})
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		app.Ledger = l
	}

	if opts.NeedsClient {
		if !opts.TokenOptional {
			if err := cfg.RequireToken(); err != nil {
				app.Close()
				return nil, err
			}
		}
		app.Client = NewClient(cfg, app.Logger())
	}

	return app, nil
}

// NewClient builds an API client from configuration
func NewClient(cfg *config.Config, logger *zap.Logger) *devrev.Client {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return devrev.NewClient(devrev.Options{
		BaseURL:         cfg.BaseURL,
		Token:           cfg.APIToken,
		Timeout:         cfg.HTTPTimeout,
		UserAgent:       UserAgent,
		RateLimitCalls:  cfg.RateLimitCalls,
		RateLimitPeriod: cfg.RateLimitPeriod,
		MaxRetries:      maxRetries,
		InitialBackoff:  cfg.InitialBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		Logger:          logger,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path := stringFlag(cmd, "config"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// applyFlagOverrides applies persistent flags on top of file and env config
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	for flag, target := range map[string]*string{
		"ledger":     &cfg.LedgerPath,
		"backup-dir": &cfg.BackupDir,
		"report-dir": &cfg.ReportDir,
		"log-dir":    &cfg.LogDir,
		"log-level":  &cfg.LogLevel,
		"output":     &cfg.Output,
		"strategy":   &cfg.MergeStrategy,
	} {
		if v := stringFlag(cmd, flag); v != "" {
			*target = v
		}
	}
}

func stringFlag(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

func boolFlag(cmd *cobra.Command, name string) bool {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String() == "true"
	}
	return false
}

// isTerminal reports whether command output goes to the process stdout and
// color detected a terminal there
func isTerminal(cmd *cobra.Command) bool {
	out, ok := cmd.OutOrStdout().(*os.File)
	return ok && out == os.Stdout && !color.NoColor
}
