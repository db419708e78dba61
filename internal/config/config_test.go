package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("unexpected defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rowsync.toml")
	content := `
listen = "127.0.0.1:9000"
batch_interval = "250ms"
inbox_dir = "drop"

[log]
file = "rowsync.log"
max_backups = 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("ROWSYNC_LOCK_TIMEOUT", "2s")
	t.Setenv("ROWSYNC_LOG_MAX_AGE_DAYS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9000" || cfg.BatchInterval != 250*time.Millisecond || cfg.InboxDir != "drop" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LockTimeout != 2*time.Second || cfg.Log.MaxAgeDays != 9 {
		t.Errorf("env overrides not applied: lock=%v age=%d", cfg.LockTimeout, cfg.Log.MaxAgeDays)
	}
	if cfg.Log.File != "rowsync.log" || cfg.Log.MaxBackups != 7 || cfg.Log.MaxSizeMB != 50 {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"zero interval", func(c *Config) { c.BatchInterval = 0 }, "batch_interval"},
		{"negative lock timeout", func(c *Config) { c.LockTimeout = -time.Second }, "lock_timeout"},
		{"inbox without debounce", func(c *Config) { c.InboxDir = "in"; c.InboxDebounce = 0 }, "inbox_debounce"},
		{"negative rotation", func(c *Config) { c.Log.MaxBackups = -1 }, "rotation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rowsync.toml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("expected refusal to overwrite without force")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written defaults failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("written defaults do not load back (-want +got):\n%s", diff)
	}
}
