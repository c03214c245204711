// Package config reads fisca settings from .fisca.yaml, FISCA_* environment
// variables and command-line flags, through viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Load for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all runtime configuration.
type Config struct {
	CountryDir string `mapstructure:"country_dir"`
	DBPath     string `mapstructure:"db_path"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	// MaxCycles is the cycle budget of each simulation; -1 disables it.
	MaxCycles int      `mapstructure:"max_cycles"`
	Trace     bool     `mapstructure:"trace"`
	Watch     bool     `mapstructure:"watch"`
	Origins   []string `mapstructure:"cors_origins"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("country_dir", "./countries/demo")
	v.SetDefault("db_path", "./data/fisca.db")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_cycles", -1)
	v.SetDefault("trace", false)
	v.SetDefault("watch", false)
	v.SetDefault("cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
}

// Load reads configuration from v, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.CountryDir == "" {
		return fmt.Errorf("%w: country_dir is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxCycles < -1 {
		return fmt.Errorf("%w: max_cycles must be -1 or more, got %d", ErrInvalidConfig, c.MaxCycles)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log_level must be debug, info, warn or error, got %q", ErrInvalidConfig, s)
}

// NewLogger builds the logger the settings describe. It does not set the
// global logger.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Debug reports whether debug logging is on.
func (c Config) Debug() bool {
	level, _ := parseLevel(c.LogLevel)
	return level <= slog.LevelDebug
}
