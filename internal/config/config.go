// Package config handles loading, validating, and writing the chainaudit
// configuration from ~/.chainaudit/config.yaml.
//
// The config defines:
//   - Server bind address for the admin API and dashboard
//   - Storage backend (embedded SQLite file or PostgreSQL DSN)
//   - Tail lock timeout for appends
//   - Audit failure policy and detail masking
//   - Logging level and format
//
// The HMAC key is deliberately not part of the YAML file. It is read from
// the CHAINAUDIT_HMAC_KEY environment variable, which may be set in
// ~/.chainaudit/.env.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HMACKeyEnv names the environment variable holding the ledger key.
const HMACKeyEnv = "CHAINAUDIT_HMAC_KEY"

// ErrMissingHMACKey is returned by LoadHMACKey when no key is configured.
var ErrMissingHMACKey = errors.New("missing HMAC key: set " + HMACKeyEnv)

// Config is the top-level chainaudit configuration.
// Loaded from ~/.chainaudit/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig defines where the admin API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the backend.
//
// Driver "sqlite" stores the ledger in Path (relative paths resolve against
// the config directory). Driver "postgres" connects with DSN.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// LedgerConfig tunes the writer.
type LedgerConfig struct {
	// LockTimeoutMs bounds the wait for the tail lock. Appends that cannot
	// get it in time fail with a retryable concurrency timeout.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`
}

// AuditConfig is the recorder policy. Hot-reloaded on change.
type AuditConfig struct {
	OnFailure       string   `yaml:"on_failure"`
	RequiredActions []string `yaml:"required_actions"`
	MaskFields      []string `yaml:"mask_fields"`
	MaskKeep        int      `yaml:"mask_keep"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled            bool `yaml:"enabled"`
	SummaryBrokenLimit int  `yaml:"summary_broken_limit"`
}

// LogConfig controls the slog handler installed by `chainaudit start`.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LockTimeout returns the configured tail lock timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Ledger.LockTimeoutMs) * time.Millisecond
}

// DatabasePath resolves the SQLite path against the config directory.
func (c *Config) DatabasePath(dir string) string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(dir, c.Storage.Path)
}

// DefaultDir returns ~/.chainaudit.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".chainaudit"), nil
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadHMACKey returns the ledger key from the environment, loading
// <dir>/.env first if it exists. Variables already set in the environment
// take precedence over the file.
func LoadHMACKey(dir string) ([]byte, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}
	key := os.Getenv(HMACKeyEnv)
	if key == "" {
		return nil, ErrMissingHMACKey
	}
	return []byte(key), nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `chainaudit config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# chainaudit configuration
#
# server:
#   host: Bind address for the admin API (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# storage:
#   driver: sqlite or postgres
#   path:   SQLite file, relative to this directory (default: ledger.db)
#   dsn:    PostgreSQL connection string when driver is postgres
#
# ledger:
#   lock_timeout_ms: Max wait for the tail lock before an append fails
#
# audit:
#   on_failure:       continue (log and proceed) or block (return an error)
#   required_actions: Action globs that always block when not recorded
#   mask_fields:      Detail key globs whose values are masked
#   mask_keep:        Trailing characters left visible by masking (>= 1)
#
# dashboard:
#   enabled:              Serve the web UI at /dashboard
#   summary_broken_limit: Broken entries shown in full by the chain summary
#
# log:
#   level:  debug, info, warn or error
#   format: text or json
#
# The HMAC key is read from the ` + HMACKeyEnv + ` environment variable
# (or a .env file next to this one), never from this file.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "ledger.db",
		},
		Ledger: LedgerConfig{
			LockTimeoutMs: 5000,
		},
		Audit: AuditConfig{
			OnFailure:       "continue",
			RequiredActions: []string{},
			MaskFields:      []string{"numero_compte", "*iban*", "*password*"},
			MaskKeep:        4,
		},
		Dashboard: DashboardConfig{
			Enabled:            true,
			SummaryBrokenLimit: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q must be sqlite or postgres", cfg.Storage.Driver)
	}

	if cfg.Ledger.LockTimeoutMs <= 0 {
		return fmt.Errorf("ledger.lock_timeout_ms must be positive")
	}

	switch cfg.Audit.OnFailure {
	case "continue", "block":
	default:
		return fmt.Errorf("audit.on_failure %q must be continue or block", cfg.Audit.OnFailure)
	}
	if cfg.Audit.MaskKeep < 1 {
		return fmt.Errorf("audit.mask_keep must be at least 1")
	}

	if cfg.Dashboard.SummaryBrokenLimit < 0 {
		return fmt.Errorf("dashboard.summary_broken_limit must be non-negative")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}

	return nil
}
