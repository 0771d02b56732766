// Package config holds the pulsetree configuration and its viper loading
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/spf13/viper"
)

const (
	// DefaultPort is the serve port used when neither flags, config nor
	// the project name one
	DefaultPort = 34872

	// EnvPrefix prefixes environment overrides, e.g. PULSETREE_SERVE_PORT
	EnvPrefix = "PULSETREE"
)

// Config is the complete configuration
type Config struct {
	Serve   ServeConfig   `mapstructure:"serve" yaml:"serve"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServeConfig configures the HTTP protocol server
type ServeConfig struct {
	Address       string        `mapstructure:"address" yaml:"address"`
	Port          int           `mapstructure:"port" yaml:"port"`
	SubscribeWait time.Duration `mapstructure:"subscribe_wait" yaml:"subscribe_wait"`
}

// SessionConfig configures the serve session pipeline
type SessionConfig struct {
	BatchWindow  time.Duration `mapstructure:"batch_window" yaml:"batch_window"`
	LogRetention int           `mapstructure:"log_retention" yaml:"log_retention"`
}

// WatcherConfig configures file watching
type WatcherConfig struct {
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	IgnorePatterns []string      `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	IgnoreFile     string        `mapstructure:"ignore_file" yaml:"ignore_file"`
}

// LoggingConfig configures pkg/logger
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
	Console    bool   `mapstructure:"console" yaml:"console"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// JournalConfig configures the durable change journal
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Serve: ServeConfig{
			Address:       "localhost",
			Port:          DefaultPort,
			SubscribeWait: 30 * time.Second,
		},
		Session: SessionConfig{
			BatchWindow:  20 * time.Millisecond,
			LogRetention: 10000,
		},
		Watcher: WatcherConfig{
			Debounce:   50 * time.Millisecond,
			IgnoreFile: ".pulseignore",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    filepath.Join(DefaultDir(), "journal.db"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultDir returns the per-user state directory
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulsetree"
	}
	return filepath.Join(home, ".pulsetree")
}

// SetDefaults registers every default with v so that AllSettings and
// environment overrides see the full key set
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("serve.address", d.Serve.Address)
	v.SetDefault("serve.port", d.Serve.Port)
	v.SetDefault("serve.subscribe_wait", d.Serve.SubscribeWait)
	v.SetDefault("session.batch_window", d.Session.BatchWindow)
	v.SetDefault("session.log_retention", d.Session.LogRetention)
	v.SetDefault("watcher.debounce", d.Watcher.Debounce)
	v.SetDefault("watcher.ignore_patterns", d.Watcher.IgnorePatterns)
	v.SetDefault("watcher.ignore_file", d.Watcher.IgnoreFile)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Configure prepares v with defaults and environment overrides
func Configure(v *viper.Viper) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the YAML file at path (optional) over the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	Configure(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, pperrors.NewConfigError(fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, pperrors.NewConfigError("failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Serve.Port < 0 || c.Serve.Port > 65535 {
		return pperrors.NewConfigError(fmt.Sprintf("serve.port %d out of range", c.Serve.Port), nil)
	}
	if c.Serve.SubscribeWait <= 0 {
		return pperrors.NewConfigError("serve.subscribe_wait must be positive", nil)
	}
	if c.Session.BatchWindow < 0 {
		return pperrors.NewConfigError("session.batch_window must not be negative", nil)
	}
	if c.Session.LogRetention < 0 {
		return pperrors.NewConfigError("session.log_retention must not be negative", nil)
	}
	if c.Watcher.Debounce < 0 {
		return pperrors.NewConfigError("watcher.debounce must not be negative", nil)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return pperrors.NewConfigError(fmt.Sprintf("unknown logging.level %q", c.Logging.Level), nil)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return pperrors.NewConfigError("journal.path is required when the journal is enabled", nil)
	}
	return nil
}

// LogConfig converts the logging section for logger.Initialize
func (c *Config) LogConfig(verbose bool) *logger.LogConfig {
	level := c.Logging.Level
	if verbose {
		level = "debug"
	}
	return &logger.LogConfig{
		Level:       level,
		OutputPath:  c.Logging.File,
		MaxSize:     c.Logging.MaxSize,
		MaxBackups:  c.Logging.MaxBackups,
		MaxAge:      c.Logging.MaxAge,
		Compress:    true,
		Development: verbose,
		EnableJSON:  c.Logging.JSON,
		Console:     c.Logging.Console,
	}
}
