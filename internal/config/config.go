// Package config loads the credvault CLI configuration.
//
// Priority: environment variables > config.yaml > defaults. Secrets are
// never read from the config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the config file inside the home directory.
const FileName = "config.yaml"

// Environment variables recognised by Load.
const (
	EnvHome     = "CREDVAULT_HOME"
	EnvVault    = "CREDVAULT_VAULT"
	EnvLogLevel = "CREDVAULT_LOG_LEVEL"

	// Credentials, read by the CLI directly and never persisted.
	EnvSession      = "CREDVAULT_SESSION"
	EnvProjectToken = "CREDVAULT_PROJECT_TOKEN"
)

const (
	DefaultSessionMinutes = 30
	DefaultLogLevel       = "warn"
	DefaultLogFormat      = "console"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config holds the CLI settings.
type Config struct {
	// Home is the directory the config was resolved against. Not serialised.
	Home string `yaml:"-"`

	VaultPath      string `yaml:"vault_path"`
	AuditDir       string `yaml:"audit_dir"`
	SessionMinutes int    `yaml:"session_minutes"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// DefaultHome returns ~/.credvault, or .credvault when the home directory
// cannot be determined.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credvault"
	}
	return filepath.Join(home, ".credvault")
}

// Default returns the configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Home:           home,
		VaultPath:      filepath.Join(home, "vault.db"),
		AuditDir:       filepath.Join(home, "audit"),
		SessionMinutes: DefaultSessionMinutes,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
	}
}

// Load resolves the home directory, reads its config.yaml if present and
// applies environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		home = DefaultHome()
	}
	cfg := Default(home)

	data, err := os.ReadFile(cfg.Path())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", cfg.Path(), err)
		}
	}

	if v := os.Getenv(EnvVault); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	cfg.VaultPath = cfg.resolve(cfg.VaultPath)
	cfg.AuditDir = cfg.resolve(cfg.AuditDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve makes relative paths relative to Home.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

// Path returns the config file location.
func (c *Config) Path() string {
	return filepath.Join(c.Home, FileName)
}

// Validate checks field values.
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return errors.New("config: vault_path must not be empty")
	}
	if c.SessionMinutes <= 0 {
		return fmt.Errorf("config: session_minutes must be positive, got %d", c.SessionMinutes)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("config: invalid log_format %q (use %s or %s)", c.LogFormat, FormatConsole, FormatJSON)
	}
	return nil
}

// SessionDuration returns the login session lifetime.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionMinutes) * time.Minute
}

// NewLogger builds the CLI logger writing to w.
func (c *Config) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.WarnLevel
	}
	if c.LogFormat == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
