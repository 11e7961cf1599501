// Package config loads hub and agent settings from a YAML file, then
// applies environment overrides. REDIS_ADDR and DATABASE_URL keep their
// conventional names; everything else is COLLAB_<NAME>.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvFile names the config file when no path is passed to Load.
const EnvFile = "COLLAB_CONFIG"

type Config struct {
	Log   LogConfig   `yaml:"log"`
	Hub   HubConfig   `yaml:"hub"`
	Agent AgentConfig `yaml:"agent"`
}

type LogConfig struct {
	// Level is a zerolog level name.
	Level string `yaml:"level"`
	// Path appends logs to a file instead of stderr.
	Path string `yaml:"path"`
	// Console switches to human readable output.
	Console bool `yaml:"console"`
}

type HubConfig struct {
	Addr string `yaml:"addr"`
	// RedisAddr enables cross-instance routing and the shared room
	// directory.
	RedisAddr string `yaml:"redis_addr"`
	// DatabaseURL enables the PostgreSQL journal.
	DatabaseURL string `yaml:"database_url"`
	Advertise   bool   `yaml:"advertise"`
}

type AgentConfig struct {
	// HubURL is the hub's websocket endpoint. Empty means discover one
	// over mDNS.
	HubURL       string        `yaml:"hub_url"`
	User         string        `yaml:"user"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ICEServers   []string      `yaml:"ice_servers"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Hub: HubConfig{Addr: ":8081"},
		Agent: AgentConfig{
			SyncInterval: 100 * time.Millisecond,
			DialTimeout:  30 * time.Second,
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load reads path, or the file named by COLLAB_CONFIG when path is empty,
// over the defaults. Having no file at all is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("REDIS_ADDR", &c.Hub.RedisAddr)
	str("DATABASE_URL", &c.Hub.DatabaseURL)
	str("COLLAB_HUB_ADDR", &c.Hub.Addr)
	str("COLLAB_HUB_URL", &c.Agent.HubURL)
	str("COLLAB_USER", &c.Agent.User)
	str("COLLAB_LOG_LEVEL", &c.Log.Level)
	str("COLLAB_LOG_PATH", &c.Log.Path)

	if v, ok := lookup("COLLAB_ADVERTISE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COLLAB_ADVERTISE: %w", err)
		}
		c.Hub.Advertise = b
	}
	if v, ok := lookup("COLLAB_SYNC_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLAB_SYNC_INTERVAL: %w", err)
		}
		c.Agent.SyncInterval = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Hub.Addr == "" {
		errs = append(errs, errors.New("hub.addr is empty"))
	}
	if c.Agent.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.sync_interval must be positive, got %s", c.Agent.SyncInterval))
	}
	if c.Agent.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.dial_timeout is negative"))
	}
	return errors.Join(errs...)
}
