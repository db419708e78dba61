// Package config loads rowsync settings from a config file, ROWSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment first).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ROWSYNC_LISTEN.
const EnvPrefix = "ROWSYNC"

// Config is the full server configuration.
type Config struct {
	Listen        string        `mapstructure:"listen"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	SeedFile      string        `mapstructure:"seed_file"`
	DBPath        string        `mapstructure:"db_path"`
	InboxDir      string        `mapstructure:"inbox_dir"`
	InboxDebounce time.Duration `mapstructure:"inbox_debounce"`
	Metrics       bool          `mapstructure:"metrics"`
	Log           LogConfig     `mapstructure:"log"`
}

// LogConfig controls log rotation. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:        ":8000",
		BatchInterval: 400 * time.Millisecond,
		DBPath:        filepath.Join(".rowsync", "rowsync.db"),
		InboxDebounce: 100 * time.Millisecond,
		Metrics:       true,
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("batch_interval", d.BatchInterval)
	v.SetDefault("lock_timeout", d.LockTimeout)
	v.SetDefault("seed_file", d.SeedFile)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("inbox_dir", d.InboxDir)
	v.SetDefault("inbox_debounce", d.InboxDebounce)
	v.SetDefault("metrics", d.Metrics)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads configuration. With an explicit path that file must exist;
// otherwise rowsync.{toml,yaml,json} is looked up in the working directory
// and $HOME/.config/rowsync, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rowsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "rowsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %v", c.BatchInterval)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout must not be negative, got %v", c.LockTimeout)
	}
	if c.InboxDir != "" && c.InboxDebounce <= 0 {
		return fmt.Errorf("inbox_debounce must be positive, got %v", c.InboxDebounce)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// fileLayout is the on-disk shape written by WriteDefault. Durations are
// strings so the file stays readable.
type fileLayout struct {
	Listen        string  `toml:"listen"`
	BatchInterval string  `toml:"batch_interval"`
	LockTimeout   string  `toml:"lock_timeout"`
	SeedFile      string  `toml:"seed_file"`
	DBPath        string  `toml:"db_path"`
	InboxDir      string  `toml:"inbox_dir"`
	InboxDebounce string  `toml:"inbox_debounce"`
	Metrics       bool    `toml:"metrics"`
	Log           logFile `toml:"log"`
}

type logFile struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	layout := fileLayout{
		Listen:        c.Listen,
		BatchInterval: c.BatchInterval.String(),
		LockTimeout:   c.LockTimeout.String(),
		SeedFile:      c.SeedFile,
		DBPath:        c.DBPath,
		InboxDir:      c.InboxDir,
		InboxDebounce: c.InboxDebounce.String(),
		Metrics:       c.Metrics,
		Log: logFile{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		},
	}

	var buf bytes.Buffer
	buf.WriteString("# rowsync configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(layout); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := Default().Encode()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
