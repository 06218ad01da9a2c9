package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_WithDefaults(t *testing.T) {
	t.Setenv("AGENT_AGENT_NAME", "web01")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.Name != "web01" {
		t.Errorf("Agent.Name = %q, want web01", cfg.Agent.Name)
	}
	if cfg.Collector.Addr() != "localhost:2591" {
		t.Errorf("Collector.Addr() = %q, want localhost:2591", cfg.Collector.Addr())
	}
	if cfg.Collector.ConnectTimeout != 30*time.Second {
		t.Errorf("Collector.ConnectTimeout = %v, want 30s", cfg.Collector.ConnectTimeout)
	}
	if cfg.Collection.MaxBatchSize != 100 {
		t.Errorf("Collection.MaxBatchSize = %d, want 100", cfg.Collection.MaxBatchSize)
	}
	if cfg.Heartbeat.Interval != time.Minute {
		t.Errorf("Heartbeat.Interval = %v, want 60s", cfg.Heartbeat.Interval)
	}
	if cfg.Reconnect.InitialDelay != 5*time.Second || cfg.Reconnect.Interval != 30*time.Second {
		t.Errorf("Reconnect = %+v, want 5s/30s", cfg.Reconnect)
	}
	if cfg.Queue.Capacity != 10000 {
		t.Errorf("Queue.Capacity = %d, want 10000", cfg.Queue.Capacity)
	}
	if cfg.Iptables.Enabled {
		t.Error("iptables should be disabled by default")
	}
	if cfg.Iptables.Chain != "INPUT" {
		t.Errorf("Iptables.Chain = %q, want INPUT", cfg.Iptables.Chain)
	}
}

func TestLoad_HostnameFallback(t *testing.T) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		t.Skip("no hostname available")
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Name != host {
		t.Errorf("Agent.Name = %q, want %q", cfg.Agent.Name, host)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
agent:
  name: web01
collector:
  host: collector.internal
  port: 3591
  api_key: secret
servers:
  - name: shop
    log_paths:
      - /var/log/nginx/shop/access.log
      - /var/log/nginx/shop/error.log
  - name: blog
    log_paths:
      - /var/log/nginx/blog/access.log
queue:
  capacity: 50
debug: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Collector.Addr() != "collector.internal:3591" {
		t.Errorf("Collector.Addr() = %q", cfg.Collector.Addr())
	}
	if len(cfg.Servers) != 2 || cfg.Servers[0].Name != "shop" {
		t.Fatalf("Servers = %+v", cfg.Servers)
	}
	if got := len(cfg.LogPaths()); got != 3 {
		t.Errorf("LogPaths() has %d entries, want 3", got)
	}
	if cfg.Queue.Capacity != 50 {
		t.Errorf("Queue.Capacity = %d, want 50", cfg.Queue.Capacity)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, debug flag should force debug", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Agent:      AgentConfig{Name: "web01"},
			Collector:  CollectorConfig{Host: "localhost", Port: 2591},
			Collection: CollectionConfig{MaxBatchSize: 100},
			Queue:      QueueConfig{Capacity: 10},
			Servers:    []ServerConfig{{Name: "shop", LogPaths: []string{"/var/log/nginx/access.log"}}},
		}
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no name", func(c *Config) { c.Agent.Name = "" }},
		{"no host", func(c *Config) { c.Collector.Host = "" }},
		{"bad port", func(c *Config) { c.Collector.Port = 70000 }},
		{"zero batch", func(c *Config) { c.Collection.MaxBatchSize = 0 }},
		{"zero queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"unnamed server", func(c *Config) { c.Servers[0].Name = "" }},
		{"server without logs", func(c *Config) { c.Servers[0].LogPaths = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
