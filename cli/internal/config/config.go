// Package config stores edactl connection profiles in a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	path           string
}

// Profile is one collector edactl can talk to.
type Profile struct {
	Collector string        `yaml:"collector"`
	APIKey    string        `yaml:"api_key"`
	AgentName string        `yaml:"agent_name"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultProfile points at a collector on this host.
func DefaultProfile() *Profile {
	host, _ := os.Hostname()
	if host == "" {
		host = "edactl"
	}
	return &Profile{
		Collector: fmt.Sprintf("localhost:%d", protocol.DefaultPort),
		AgentName: host,
		Timeout:   defaultTimeout,
	}
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
	}
}

// DefaultPath is $HOME/.edamame/edactl.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".edamame", "edactl.yaml"), nil
}

func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = p
	}

	cfg := Default()
	cfg.path = cfgFile

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cfgFile, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}
	return cfg, nil
}

// Path returns the file Save writes to.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) Save() error {
	if c.path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// The file holds API keys.
	return os.WriteFile(c.path, data, 0o600)
}

func (c *Config) SaveProfile(name string, p *Profile) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
	c.CurrentProfile = name
	return c.Save()
}

func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}
	return profile, nil
}

// Resolve returns the named profile, falling back to DefaultProfile when it
// does not exist. Empty fields of a stored profile take the defaults.
func (c *Config) Resolve(name string) *Profile {
	def := DefaultProfile()
	p, err := c.GetProfile(name)
	if err != nil {
		return def
	}
	out := *p
	if out.Collector == "" {
		out.Collector = def.Collector
	}
	if out.AgentName == "" {
		out.AgentName = def.AgentName
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	return &out
}

func (c *Config) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}

	delete(c.Profiles, name)

	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}

	return c.Save()
}
