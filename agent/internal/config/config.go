package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Servers    []ServerConfig   `mapstructure:"servers"`
	Collection CollectionConfig `mapstructure:"collection"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Iptables   IptablesConfig   `mapstructure:"iptables"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Debug      bool             `mapstructure:"debug"`
}

// AgentConfig identifies this agent to the collector. Name defaults to the hostname.
type AgentConfig struct {
	Name string `mapstructure:"name"`
	ID   string `mapstructure:"id"`
}

type CollectorConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

// Addr returns host:port.
func (c CollectorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfig is one monitored nginx server and the logs it writes.
type ServerConfig struct {
	Name     string   `mapstructure:"name"`
	LogPaths []string `mapstructure:"log_paths"`
}

type CollectionConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	PositionsFile string        `mapstructure:"positions_file"`
	Poll          bool          `mapstructure:"poll"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
}

type QueueConfig struct {
	Capacity int    `mapstructure:"capacity"`
	SpoolDir string `mapstructure:"spool_dir"`
}

type IptablesConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Chain         string        `mapstructure:"chain"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("agent.name", "")
	v.SetDefault("agent.id", "")
	v.SetDefault("collector.host", "localhost")
	v.SetDefault("collector.port", 2591)
	v.SetDefault("collector.api_key", "")
	v.SetDefault("collector.connect_timeout", "30s")
	v.SetDefault("collector.read_timeout", "30s")
	v.SetDefault("servers", []map[string]any{})
	v.SetDefault("collection.interval", "10s")
	v.SetDefault("collection.max_batch_size", 100)
	v.SetDefault("collection.positions_file", "/var/lib/edamame/positions.json")
	v.SetDefault("collection.poll", false)
	v.SetDefault("heartbeat.interval", "60s")
	v.SetDefault("reconnect.initial_delay", "5s")
	v.SetDefault("reconnect.interval", "30s")
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.spool_dir", "/var/lib/edamame/spool")
	v.SetDefault("iptables.enabled", false)
	v.SetDefault("iptables.check_interval", "30s")
	v.SetDefault("iptables.chain", "INPUT")
	v.SetDefault("iptables.block_duration", "1h")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("debug", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/edamame/agent")
	}

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Agent.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Name = host
		}
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the agent cannot start with.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if c.Collector.Host == "" {
		return errors.New("collector.host is required")
	}
	if c.Collector.Port <= 0 || c.Collector.Port > 65535 {
		return fmt.Errorf("invalid collector.port %d", c.Collector.Port)
	}
	if c.Collection.MaxBatchSize <= 0 {
		return fmt.Errorf("collection.max_batch_size must be positive, got %d", c.Collection.MaxBatchSize)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d].name is required", i)
		}
		if len(s.LogPaths) == 0 {
			return fmt.Errorf("server %q has no log_paths", s.Name)
		}
	}
	return nil
}

// LogPaths returns every configured log path across servers.
func (c *Config) LogPaths() []string {
	var paths []string
	for _, s := range c.Servers {
		paths = append(paths, s.LogPaths...)
	}
	return paths
}
