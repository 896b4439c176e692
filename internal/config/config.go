// Package config loads the daemon's configuration: the static/cpu/
// network sections plus the gateway and datastore settings.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/titanous/json5"
)

// Config is the root configuration for the surrogate daemon.
type Config struct {
	Static    StaticConfig    `json:"static"`
	CPU       CPUConfig       `json:"cpu"`
	Network   NetworkConfig   `json:"network"`
	Gateway   GatewayConfig   `json:"gateway"`
	Datastore DatastoreConfig `json:"datastore"`

	mu sync.RWMutex
}

// StaticConfig identifies this node. static.name is required.
type StaticConfig struct {
	Name string `json:"name"`
}

// CPUConfig controls the dispatch scheduler's core pool and the
// complexity metric used by perform_task's profile=true path.
type CPUConfig struct {
	Cores    int     `json:"cores"`
	Strength float64 `json:"strength"`
}

// NetworkConfig is reserved; nothing consumes network.speed yet.
type NetworkConfig struct {
	Speed int `json:"speed"`
}

// GatewayConfig configures the client-facing RPC transport.
type GatewayConfig struct {
	Host         string  `json:"host"`
	Port         int     `json:"port"`
	RateLimitRPS float64 `json:"rate_limit_rps"`
}

// DatastoreConfig configures the embedded remote-data-handle store.
type DatastoreConfig struct {
	Path           string `json:"path"`
	CleanupEveryN  int    `json:"cleanup_every_n_ticks"`
	DefaultTTLSecs int    `json:"default_ttl_secs"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Static: StaticConfig{Name: ""},
		CPU:    CPUConfig{Cores: 1, Strength: 1.0},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         7932,
			RateLimitRPS: 50,
		},
		Datastore: DatastoreConfig{
			Path:           "pexecenv-datastore.sqlite",
			CleanupEveryN:  10,
			DefaultTTLSecs: 3600,
		},
	}
}

// Load reads config from a JSON5 file, falling back to Default() and
// environment overrides when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PEXECENV_STATIC_NAME"); v != "" {
		c.Static.Name = v
	}
	if v := os.Getenv("PEXECENV_DATASTORE_PATH"); v != "" {
		c.Datastore.Path = v
	}
}

// Validate checks the preconditions the surrogate relies on at startup:
// a node name and a positive core count.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Static.Name == "" {
		return fmt.Errorf("static surrogate name is missing in the config file")
	}
	if c.CPU.Cores <= 0 {
		return fmt.Errorf("invalid number of cores (%d)", c.CPU.Cores)
	}
	return nil
}

// OverrideCores applies the CLI's -c flag, taking priority over the
// config file.
func (c *Config) OverrideCores(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CPU.Cores = n
}
