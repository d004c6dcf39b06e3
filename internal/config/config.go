// Package config handles loading and validating process and pool
// configuration from YAML files, split across a process-level settings
// file and a pool list file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-dbpool/codel/pkg/poolspec"
)

// ProcessConfig holds settings for the whole codel process, independent
// of any single pool.
type ProcessConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	HealthInterval  time.Duration `yaml:"health_check_interval"`
}

// RedisConfig configures the remote Client Watchdog's Redis backend. It
// is only consulted for pools whose watchdog_mode is "remote".
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Process ProcessConfig `yaml:"process"`
	Redis   RedisConfig   `yaml:"redis"`
	Pools   []poolspec.PoolSpec
}

// processFileConfig mirrors the YAML structure of the process config file.
type processFileConfig struct {
	Process ProcessConfig `yaml:"process"`
	Redis   RedisConfig   `yaml:"redis"`
}

// poolsFileConfig mirrors the YAML structure of the pools config file.
type poolsFileConfig struct {
	Pools []poolspec.PoolSpec `yaml:"pools"`
}

// Load reads and parses both the process and pools configuration files.
func Load(processConfigPath, poolsConfigPath string) (*Config, error) {
	processData, err := os.ReadFile(processConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading process config %s: %w", processConfigPath, err)
	}

	var processFile processFileConfig
	if err := yaml.Unmarshal(processData, &processFile); err != nil {
		return nil, fmt.Errorf("parsing process config %s: %w", processConfigPath, err)
	}

	poolsData, err := os.ReadFile(poolsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading pools config %s: %w", poolsConfigPath, err)
	}

	var poolsFile poolsFileConfig
	if err := yaml.Unmarshal(poolsData, &poolsFile); err != nil {
		return nil, fmt.Errorf("parsing pools config %s: %w", poolsConfigPath, err)
	}

	cfg := &Config{
		Process: processFile.Process,
		Redis:   processFile.Redis,
		Pools:   poolsFile.Pools,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.ID == "" {
			return fmt.Errorf("pools[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pools[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if p.MaxConnections == 0 {
			return fmt.Errorf("pool %s: max_connections is required", p.ID)
		}
		if p.MinConnections > p.MaxConnections {
			return fmt.Errorf("pool %s: min_connections (%d) exceeds max_connections (%d)", p.ID, p.MinConnections, p.MaxConnections)
		}
		if p.WatchdogMode != "" && p.WatchdogMode != "local" && p.WatchdogMode != "remote" {
			return fmt.Errorf("pool %s: watchdog_mode must be \"local\" or \"remote\", got %q", p.ID, p.WatchdogMode)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Process.HealthCheckPort == 0 {
		c.Process.HealthCheckPort = 8080
	}
	if c.Process.MetricsPort == 0 {
		c.Process.MetricsPort = 9090
	}
	if c.Process.HealthInterval == 0 {
		c.Process.HealthInterval = 15 * time.Second
	}
	if c.Process.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Process.InstanceID = hostname
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}

	for i := range c.Pools {
		p := &c.Pools[i]
		if p.QueueTarget == 0 {
			p.QueueTarget = 50 * time.Millisecond
		}
		if p.QueueInterval == 0 {
			p.QueueInterval = time.Second
		}
		if p.IdleInterval == 0 {
			p.IdleInterval = time.Second
		}
		if p.Timeout == 0 {
			p.Timeout = 5 * time.Second
		}
		if p.ConnectionTimeout == 0 {
			p.ConnectionTimeout = 30 * time.Second
		}
		if p.WatchdogMode == "" {
			p.WatchdogMode = "local"
		}
	}
}

// PoolByID returns the pool configuration for a given pool ID.
func (c *Config) PoolByID(id string) (*poolspec.PoolSpec, bool) {
	for i := range c.Pools {
		if c.Pools[i].ID == id {
			return &c.Pools[i], true
		}
	}
	return nil, false
}
