// Package config handles Forge configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for Forge.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// LoopDefaults provides fallback values applied to loops created
	// without an explicit interval or prompt source.
	LoopDefaults LoopConfig `yaml:"loop_defaults" mapstructure:"loop_defaults"`

	// DefaultPool names the pool used when a loop sets neither
	// profile_id nor pool_id.
	DefaultPool string `yaml:"default_pool" mapstructure:"default_pool"`
}

// GlobalConfig contains global Forge settings.
type GlobalConfig struct {
	// DataDir is where Forge stores its data (default: ~/.local/share/forge).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/forge).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path. Empty means DataDir/forge.db.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path. It is loaded but not used:
	// logging.Init always writes to stderr.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// LoopConfig contains default settings applied to new loops.
type LoopConfig struct {
	// Interval is the default sleep duration between iterations.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// Prompt is a default base_prompt_path used when a loop specifies
	// neither base_prompt_msg nor base_prompt_path.
	Prompt string `yaml:"prompt" mapstructure:"prompt"`

	// PromptMsg is a default base_prompt_msg literal.
	PromptMsg string `yaml:"prompt_msg" mapstructure:"prompt_msg"`

	// OutputTailLines is the number of combined stdout/stderr lines
	// retained on a run record and ledger entry.
	OutputTailLines int `yaml:"output_tail_lines" mapstructure:"output_tail_lines"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "forge"),
			ConfigDir: filepath.Join(homeDir, ".config", "forge"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/forge.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		LoopDefaults: LoopConfig{
			Interval:        30 * time.Second,
			OutputTailLines: 200,
		},
		DefaultPool: "default",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.DataDir) == "" {
		return fmt.Errorf("global.data_dir is required")
	}
	if strings.TrimSpace(c.Global.ConfigDir) == "" {
		return fmt.Errorf("global.config_dir is required")
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be zero or greater")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	if c.LoopDefaults.Interval < 0 {
		return fmt.Errorf("loop_defaults.interval must be zero or greater")
	}
	if c.LoopDefaults.OutputTailLines < 1 {
		return fmt.Errorf("loop_defaults.output_tail_lines must be at least 1")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "forge.db")
}
