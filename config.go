package zkmux

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ambient configuration layer for processes embedding zkmux
// (the CLI in cmd/zkmux-bench, or any long-running service). It is
// deliberately separate from EngineOptions/ServerAddr: those are the core
// engine's wire-level knobs, this is the "how do I load settings from a
// file or flags" layer every complete repo in this corpus carries
// alongside its core (DESIGN.md, grounded on OneMount's YAML config
// convention).
type Config struct {
	Servers           []string      `yaml:"servers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	LogLevel          string        `yaml:"log_level"`
}

// DefaultConfig returns the configuration a fresh install ships with.
func DefaultConfig() Config {
	return Config{
		Servers:           []string{"127.0.0.1:2181"},
		HeartbeatInterval: 10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		SessionTimeout:    30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig for
// any field the file doesn't set.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("zkmux: reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("zkmux: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ServerAddrs parses the "host:port" strings in Servers into ServerAddr
// values, all sharing the config's SessionTimeout as their wanted timeout.
func (c Config) ServerAddrs() ([]ServerAddr, error) {
	out := make([]ServerAddr, 0, len(c.Servers))
	for _, s := range c.Servers {
		host, portStr, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("zkmux: invalid server address %q, want host:port", s)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("zkmux: invalid port in %q: %w", s, err)
		}
		out = append(out, ServerAddr{Host: host, Port: port, WantedTimeout: c.SessionTimeout})
	}
	return out, nil
}

// EngineOptions projects the config onto the Engine's own knobs.
func (c Config) EngineOptions() EngineOptions {
	return EngineOptions{HeartbeatInterval: c.HeartbeatInterval, ConnectTimeout: c.ConnectTimeout}
}
