// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `grnet:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Flows   []FlowConfig  `mapstructure:"flows" yaml:"flows"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `grnet: ...`.
type configRoot struct {
	Grnet GlobalConfig `mapstructure:"grnet"`
}

// Load loads configuration from file.
// The YAML file uses `grnet:` as root key; env vars use the GRNET_ prefix
// (e.g. GRNET_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// key "grnet.log.level" → env "GRNET_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Grnet

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	// defaults alone always decode
	_ = v.Unmarshal(&root)
	cfg := root.Grnet
	_ = cfg.ValidateAndApplyDefaults()
	return &cfg
}

// setDefaults sets default values for configuration.
// All keys use the "grnet." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("grnet.log.level", "info")
	v.SetDefault("grnet.log.format", "text")
	v.SetDefault("grnet.log.outputs.file.enabled", false)
	v.SetDefault("grnet.log.outputs.file.path", "/var/log/grnet/grnet.log")
	v.SetDefault("grnet.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("grnet.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("grnet.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("grnet.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("grnet.metrics.enabled", false)
	v.SetDefault("grnet.metrics.listen", ":9091")
	v.SetDefault("grnet.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	} else if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}

	// ── Flows ──
	seen := make(map[string]bool, len(cfg.Flows))
	for i := range cfg.Flows {
		f := &cfg.Flows[i]
		if err := f.Validate(); err != nil {
			return fmt.Errorf("flows[%d]: %w", i, err)
		}
		if f.Name == "" {
			continue
		}
		if seen[f.Name] {
			return fmt.Errorf("flows[%d]: duplicate flow name %q", i, f.Name)
		}
		seen[f.Name] = true
	}

	return nil
}
