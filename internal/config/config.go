package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lherron/revmerge/internal/domain"
)

// Extra-record policies for groups holding unmarked records besides the pair
const (
	ExtraRecordsIgnore = "ignore"
	ExtraRecordsSkip   = "skip"
)

// Policies for groups with more than one candidate on one side
const (
	MultipleCandidatesSkip      = "skip"
	MultipleCandidatesPickFirst = "pick-first"
)

// Merge strategies
const (
	StrategyMerge  = "merge"
	StrategyDelete = "delete"
)

// Config represents the application configuration
type Config struct {
	APIToken string `yaml:"api_token"`
	BaseURL  string `yaml:"base_url"`

	RateLimitCalls  int           `yaml:"rate_limit_calls"`
	RateLimitPeriod time.Duration `yaml:"rate_limit_period"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`

	LedgerPath string `yaml:"ledger_path"`
	BackupDir  string `yaml:"backup_dir"`
	ReportDir  string `yaml:"report_dir"`
	LogDir     string `yaml:"log_dir"`
	LogLevel   string `yaml:"log_level"`
	Output     string `yaml:"output"`

	NativePrefix       string `yaml:"native_prefix"`
	ImportedPrefix     string `yaml:"imported_prefix"`
	ExtraRecords       string `yaml:"extra_records"`
	MultipleCandidates string `yaml:"multiple_candidates"`
	MergeStrategy      string `yaml:"merge_strategy"`
}

// Defaults returns a Config populated with built-in defaults
func Defaults() *Config {
	return &Config{
		BaseURL:            "https://api.devrev.ai",
		RateLimitCalls:     50,
		RateLimitPeriod:    60 * time.Second,
		MaxRetries:         5,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		HTTPTimeout:        30 * time.Second,
		SettleDelay:        2 * time.Second,
		LedgerPath:         filepath.Join(".revmerge", "ledger.db"),
		BackupDir:          filepath.Join(".revmerge", "backups"),
		ReportDir:          filepath.Join(".revmerge", "reports"),
		LogDir:             filepath.Join(".revmerge", "logs"),
		LogLevel:           "info",
		Output:             "human",
		NativePrefix:       "user_",
		ImportedPrefix:     "REVU-",
		ExtraRecords:       ExtraRecordsIgnore,
		MultipleCandidates: MultipleCandidatesSkip,
		MergeStrategy:      StrategyMerge,
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/revmerge/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := Defaults()

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional; a malformed one is not
	if err := loadYAMLConfig(cfg, userConfigPath()); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads defaults, then the given YAML file, then environment overrides
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}
	if err := loadYAMLConfig(cfg, path); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if token := getEnvOrFile("DEVREV_API_TOKEN", "DEVREV_API_TOKEN_FILE"); token != "" {
		cfg.APIToken = strings.TrimSpace(token)
	}
	envOverride(&cfg.BaseURL, "DEVREV_BASE_URL")
	envOverride(&cfg.LedgerPath, "REVMERGE_LEDGER_PATH")
	envOverride(&cfg.BackupDir, "REVMERGE_BACKUP_DIR")
	envOverride(&cfg.ReportDir, "REVMERGE_REPORT_DIR")
	envOverride(&cfg.LogDir, "REVMERGE_LOG_DIR")
	envOverride(&cfg.LogLevel, "REVMERGE_LOG_LEVEL")
	envOverride(&cfg.Output, "REVMERGE_OUTPUT")
	envOverride(&cfg.NativePrefix, "REVMERGE_NATIVE_PREFIX")
	envOverride(&cfg.ImportedPrefix, "REVMERGE_IMPORTED_PREFIX")
	envOverride(&cfg.MergeStrategy, "REVMERGE_MERGE_STRATEGY")

	if err := envOverrideInt(&cfg.RateLimitCalls, "REVMERGE_RATE_LIMIT_CALLS"); err != nil {
		return err
	}
	if err := envOverrideInt(&cfg.MaxRetries, "REVMERGE_MAX_RETRIES"); err != nil {
		return err
	}
	for key, target := range map[string]*time.Duration{
		"REVMERGE_RATE_LIMIT_PERIOD": &cfg.RateLimitPeriod,
		"REVMERGE_INITIAL_BACKOFF":   &cfg.InitialBackoff,
		"REVMERGE_MAX_BACKOFF":       &cfg.MaxBackoff,
		"REVMERGE_HTTP_TIMEOUT":      &cfg.HTTPTimeout,
		"REVMERGE_SETTLE_DELAY":      &cfg.SettleDelay,
	} {
		if err := envOverrideDuration(target, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values the tool cannot run with
func (c *Config) Validate() error {
	if c.RateLimitCalls <= 0 {
		return fmt.Errorf("rate_limit_calls must be positive, got %d", c.RateLimitCalls)
	}
	if c.RateLimitPeriod <= 0 {
		return fmt.Errorf("rate_limit_period must be positive, got %s", c.RateLimitPeriod)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative, got %s", c.SettleDelay)
	}
	if err := domain.ValidatePrefixes(c.NativePrefix, c.ImportedPrefix); err != nil {
		return err
	}
	switch c.ExtraRecords {
	case ExtraRecordsIgnore, ExtraRecordsSkip:
	default:
		return fmt.Errorf("invalid extra_records: must be one of: %s, %s", ExtraRecordsIgnore, ExtraRecordsSkip)
	}
	switch c.MultipleCandidates {
	case MultipleCandidatesSkip, MultipleCandidatesPickFirst:
	default:
		return fmt.Errorf("invalid multiple_candidates: must be one of: %s, %s", MultipleCandidatesSkip, MultipleCandidatesPickFirst)
	}
	switch c.MergeStrategy {
	case StrategyMerge, StrategyDelete:
	default:
		return fmt.Errorf("invalid merge_strategy: must be one of: %s, %s", StrategyMerge, StrategyDelete)
	}
	return nil
}

// RequireToken returns an error when no API token is configured
func (c *Config) RequireToken() error {
	if c.APIToken == "" {
		return fmt.Errorf("DEVREV_API_TOKEN environment variable is required")
	}
	return nil
}

// EnsureDirs creates the directories the run writes into
func (c *Config) EnsureDirs() error {
	dirs := []string{c.BackupDir, c.ReportDir, c.LogDir, filepath.Dir(c.LedgerPath)}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func userConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "revmerge", "config.yaml")
}

// loadYAMLConfig loads configuration from a YAML file on top of cfg
func loadYAMLConfig(cfg *Config, configPath string) error {
	if configPath == "" {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing %s: %w", configPath, err)
	}
	return nil
}

func envOverride(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envOverrideInt(target *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = n
	return nil
}

// envOverrideDuration accepts Go durations ("90s") or bare seconds ("90")
func envOverrideDuration(target *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*target = d
	return nil
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}
