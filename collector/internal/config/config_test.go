package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 2591 {
		t.Errorf("Server.Port = %d, want 2591", cfg.Server.Port)
	}
	if cfg.Server.Workers != 10 {
		t.Errorf("Server.Workers = %d, want 10", cfg.Server.Workers)
	}
	if cfg.Server.SessionTimeout != 5*time.Minute {
		t.Errorf("Server.SessionTimeout = %v, want 5m", cfg.Server.SessionTimeout)
	}
	if cfg.Server.SweepInterval != time.Minute {
		t.Errorf("Server.SweepInterval = %v, want 60s", cfg.Server.SweepInterval)
	}
	if cfg.Server.MaxMessageSize != 10*1024*1024 {
		t.Errorf("Server.MaxMessageSize = %d, want 10MiB", cfg.Server.MaxMessageSize)
	}
	if cfg.Correlation.Mode != ModeAdjacency {
		t.Errorf("Correlation.Mode = %q, want %q", cfg.Correlation.Mode, ModeAdjacency)
	}
	if cfg.Correlation.Window != 30*time.Second {
		t.Errorf("Correlation.Window = %v, want 30s", cfg.Correlation.Window)
	}
	if cfg.Storage.Backend != BackendPostgres {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendPostgres)
	}
	if cfg.Redis.Enabled || cfg.NATS.Enabled || cfg.OpenSearch.Enabled {
		t.Error("optional backends should be disabled by default")
	}
	if !cfg.Blocking.Enabled || cfg.Blocking.Duration != time.Hour || cfg.Blocking.Chain != "INPUT" {
		t.Errorf("Blocking = %+v, want enabled 1h INPUT", cfg.Blocking)
	}
	if cfg.Metrics.Listen != ":9091" {
		t.Errorf("Metrics.Listen = %q, want :9091", cfg.Metrics.Listen)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.yaml")
	content := `
server:
  port: 3000
  workers: 4
auth:
  api_key: secret
correlation:
  mode: window
  window: 10s
storage:
  backend: memory
whitelist:
  cidrs:
    - 10.0.0.0/8
    - 192.168.1.10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 || cfg.Server.Workers != 4 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Auth.APIKey != "secret" {
		t.Errorf("Auth.APIKey = %q", cfg.Auth.APIKey)
	}
	if cfg.Correlation.Mode != ModeWindow || cfg.Correlation.Window != 10*time.Second {
		t.Errorf("correlation = %+v", cfg.Correlation)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if len(cfg.Whitelist.CIDRs) != 2 {
		t.Errorf("Whitelist.CIDRs = %v", cfg.Whitelist.CIDRs)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("COLLECTOR_SERVER_PORT", "4000")
	t.Setenv("COLLECTOR_AUTH_API_KEY", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Auth.APIKey != "from-env" {
		t.Errorf("Auth.APIKey = %q, want from-env", cfg.Auth.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no workers", func(c *Config) { c.Server.Workers = 0 }},
		{"bad mode", func(c *Config) { c.Correlation.Mode = "timestamp" }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"zero block duration", func(c *Config) { c.Blocking.Duration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}
}
