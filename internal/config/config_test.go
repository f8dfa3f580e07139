package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestConfig_Defaults(t *testing.T) {
	// Given: No config file, only the required gateway URL
	t.Setenv("FIELDSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FIELDSYNC_GATEWAY_URL", "https://sync.example.com")

	// When: Loading
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Then: Defaults apply
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected loopback host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 7412 {
		t.Errorf("expected default port 7412, got %d", cfg.Server.Port)
	}
	if time.Duration(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("expected 30s sync interval, got %v", time.Duration(cfg.Sync.Interval))
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestConfig_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
gateway:
  base_url: https://sync.example.com
  timeout: 5s
sync:
  interval: 2m
  batch_size: 25
log:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if time.Duration(cfg.Gateway.Timeout) != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", time.Duration(cfg.Gateway.Timeout))
	}
	if time.Duration(cfg.Sync.Interval) != 2*time.Minute {
		t.Errorf("expected 2m interval, got %v", time.Duration(cfg.Sync.Interval))
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestConfig_EnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
gateway:
  base_url: https://file.example.com
`)
	t.Setenv("FIELDSYNC_PORT", "9100")
	t.Setenv("FIELDSYNC_GATEWAY_URL", "https://env.example.com")
	t.Setenv("FIELDSYNC_GATEWAY_API_KEY", "env-secret")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Gateway.BaseURL != "https://env.example.com" {
		t.Errorf("expected env gateway URL, got %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.APIKey != "env-secret" {
		t.Errorf("expected env API key applied, got %q", cfg.Gateway.APIKey)
	}
}

func TestConfig_GatewayURLRequired(t *testing.T) {
	t.Setenv("FIELDSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FIELDSYNC_GATEWAY_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing gateway URL")
	}
}

func TestConfig_InvalidDurationRejected(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  base_url: https://sync.example.com
  timeout: not-a-duration
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestConfig_InvalidBatchSizeRejected(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  base_url: https://sync.example.com
sync:
  batch_size: 0
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}
