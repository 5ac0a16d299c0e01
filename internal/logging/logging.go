// Package logging builds the per-run logger.
//
// A run logs to stderr (console encoding) and to a JSON log file named
// contact_merge_<timestamp>.log in the configured log directory. The Context
// owns both sinks; callers pass its Logger down explicitly.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context owns the run logger and the file it writes to
type Context struct {
	Logger *zap.Logger
	// Path is the log file path, empty when file logging is disabled
	Path  string
	file  *os.File
	level zap.AtomicLevel
}

// Options configures New
type Options struct {
	Dir    string
	Level  string
	RunID  string
	Stderr zapcore.WriteSyncer
	Now    func() time.Time
}

// New creates a logging context writing to stderr and, when Dir is set, to a
// timestamped log file inside Dir.
func New(opts Options) (*Context, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = zapcore.Lock(os.Stderr)
	}

	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), stderr, atom),
	}

	lc := &Context{level: atom}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lc.Path = filepath.Join(opts.Dir, fmt.Sprintf("contact_merge_%s.log", now().Format("20060102_150405")))
		f, err := os.OpenFile(lc.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		lc.file = f
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), atom))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.RunID != "" {
		logger = logger.With(zap.String("run_id", opts.RunID))
	}
	lc.Logger = logger
	return lc, nil
}

// Nop returns a context that discards everything
func Nop() *Context {
	return &Context{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// SetLevel changes the level of every sink
func (c *Context) SetLevel(level zapcore.Level) {
	c.level.SetLevel(level)
}

// Close flushes the logger and closes the log file.
// Safe to call multiple times.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}

// ParseLevel maps a config level name onto a zap level
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error", s)
	}
}
