// Package config handles configuration loading and validation for tweakctl.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tweakengine/internal/logging"
)

// CurrentVersion is the configuration schema version this build writes.
const CurrentVersion = 1

// Config is the tweakctl configuration.
type Config struct {
	Version  int            `toml:"version" json:"version" yaml:"version" validate:"min=1,max=1"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Audit    AuditConfig    `toml:"audit" json:"audit" yaml:"audit"`
	Engine   EngineConfig   `toml:"engine" json:"engine" yaml:"engine"`
	Recovery RecoveryConfig `toml:"recovery" json:"recovery" yaml:"recovery"`
}

// StorageConfig locates the history database.
type StorageConfig struct {
	Path string `toml:"path" json:"path" yaml:"path" validate:"required"`
	// BusyTimeoutMs is how long a transaction waits for another writer.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" validate:"min=0,max=600000"`
}

// LoggingConfig configures the operational log.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`
	Output     string `toml:"output" json:"output" yaml:"output" validate:"oneof=stdout stderr file both"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"min=1,max=1024"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"min=0,max=100"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig configures the JSON audit trail of apply, revert and recover
// events.
type AuditConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" validate:"required_if=Enabled true"`
}

// EngineConfig tunes the apply engine.
type EngineConfig struct {
	// RequireElevation refuses mutating commands unless the process runs
	// elevated. Turning it off is only useful against a test backend.
	RequireElevation bool `toml:"require_elevation" json:"require_elevation" yaml:"require_elevation"`
	ServiceWaitSec   int  `toml:"service_wait_sec" json:"service_wait_sec" yaml:"service_wait_sec" validate:"min=1,max=3600"`
	// DefinitionsDir resolves bare tweak file names given on the command line.
	DefinitionsDir string `toml:"definitions_dir" json:"definitions_dir" yaml:"definitions_dir"`
}

// RecoveryConfig controls startup recovery.
type RecoveryConfig struct {
	OnStartup bool `toml:"on_startup" json:"on_startup" yaml:"on_startup"`
	// StaleAfterSec is how long an entry must sit untouched before startup
	// recovery treats it as abandoned. Younger entries may belong to another
	// tweakctl that is still running. The recover command ignores it unless
	// asked.
	StaleAfterSec int `toml:"stale_after_sec" json:"stale_after_sec" yaml:"stale_after_sec" validate:"min=0"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := TweakengineDir()
	return &Config{
		Version: CurrentVersion,
		Storage: StorageConfig{
			Path:          filepath.Join(dataDir, "history.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "tweakctl.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:  true,
			FilePath: filepath.Join(PlatformLogDir(), "audit.log"),
		},
		Engine: EngineConfig{
			RequireElevation: true,
			ServiceWaitSec:   30,
			DefinitionsDir:   filepath.Join(dataDir, "tweaks"),
		},
		Recovery: RecoveryConfig{
			OnStartup:     true,
			StaleAfterSec: 300,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = DefaultConfig()
		} else {
			return nil, err
		}
	}

	// Apply environment variable overrides
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// TweakengineDir returns the base data directory.
// Uses platform-specific paths or the TWEAKCTL_DATA_DIR environment override.
func TweakengineDir() string {
	if envDir := os.Getenv("TWEAKCTL_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with TWEAKCTL_.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("TWEAKCTL_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("TWEAKCTL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TWEAKCTL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TWEAKCTL_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("TWEAKCTL_AUDIT_PATH"); v != "" {
		c.Audit.FilePath = v
	}
	if v := os.Getenv("TWEAKCTL_DEFINITIONS_DIR"); v != "" {
		c.Engine.DefinitionsDir = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"TWEAKCTL_REQUIRE_ELEVATION", &c.Engine.RequireElevation},
		{"TWEAKCTL_RECOVER_ON_STARTUP", &c.Recovery.OnStartup},
		{"TWEAKCTL_AUDIT", &c.Audit.Enabled},
	}
	for _, b := range bools {
		v := os.Getenv(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = parsed
	}
	return nil
}

// BusyTimeout is Storage.BusyTimeoutMs as a duration.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// ServiceWait is Engine.ServiceWaitSec as a duration.
func (c *Config) ServiceWait() time.Duration {
	return time.Duration(c.Engine.ServiceWaitSec) * time.Second
}

// StaleAfter is Recovery.StaleAfterSec as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Recovery.StaleAfterSec) * time.Second
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = c.Logging.MaxSizeMB
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	return lc, nil
}

// AuditLoggerConfig converts the audit section for logging.NewAuditLogger. It
// returns nil when auditing is disabled.
func (c *Config) AuditLoggerConfig() *logging.AuditLoggerConfig {
	if !c.Audit.Enabled {
		return nil
	}
	ac := logging.DefaultAuditConfig()
	ac.FilePath = c.Audit.FilePath
	return ac
}
