package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaonanln/netfabric/network"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/postgres"
)

// Workspace storage backends an agent can host.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// DefaultTickRate is used when network.tick_rate is omitted.
const DefaultTickRate = 20

// NetworkConfig holds configuration for the network process
type NetworkConfig struct {
	Name                   string        `yaml:"name"`
	Listen                 string        `yaml:"listen"`
	Advertise              string        `yaml:"advertise"`
	TickRate               int           `yaml:"tick_rate"`
	AliveTimeout           time.Duration `yaml:"alive_timeout"`
	UnusedContainerTimeout time.Duration `yaml:"unused_container_timeout"`
	GetTimeout             time.Duration `yaml:"get_timeout"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	MaxMissedPings         int           `yaml:"max_missed_pings"`
	Selector               string        `yaml:"selector"` // round-robin (default) or least-loaded
}

// AgentConfig holds configuration for a single agent process
type AgentConfig struct {
	ID        string   `yaml:"id"`
	Listen    string   `yaml:"listen"`
	Advertise string   `yaml:"advertise"`
	Kinds     []string `yaml:"kinds"`
	Labels    []string `yaml:"labels"`
	Storage   string   `yaml:"storage"` // memory (default) or postgres
}

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// Config is the root configuration structure
type Config struct {
	Version     int             `yaml:"version"`
	LogLevel    string          `yaml:"log_level"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Network     NetworkConfig   `yaml:"network"`
	Agents      []AgentConfig   `yaml:"agents"`
	Etcd        EtcdConfig      `yaml:"etcd"`
	Postgres    postgres.Config `yaml:"postgres"`
	AccessRules []AccessRule    `yaml:"operation_access_rules"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates configuration from YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Network.TickRate != 0 && (c.Network.TickRate < 1 || c.Network.TickRate > 1000) {
		return fmt.Errorf("network tick_rate must be within 1..1000, got %d", c.Network.TickRate)
	}
	if c.Network.MaxMissedPings < 0 {
		return fmt.Errorf("network max_missed_pings must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"alive_timeout":            c.Network.AliveTimeout,
		"unused_container_timeout": c.Network.UnusedContainerTimeout,
		"get_timeout":              c.Network.GetTimeout,
		"ping_interval":            c.Network.PingInterval,
	} {
		if d < 0 {
			return fmt.Errorf("network %s must not be negative", name)
		}
	}
	if _, err := network.SelectorByName(c.Network.Selector); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	// Validate agents
	agentIDs := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if agentIDs[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		agentIDs[agent.ID] = true

		if agent.Listen == "" {
			return fmt.Errorf("agent %s: listen is required", agent.ID)
		}
		if len(agent.Kinds) == 0 {
			return fmt.Errorf("agent %s: at least one kind is required", agent.ID)
		}
		switch agent.Storage {
		case "", StorageMemory:
		case StoragePostgres:
			if c.Postgres.Host == "" || c.Postgres.Database == "" {
				return fmt.Errorf("agent %s: postgres storage requires postgres host and database", agent.ID)
			}
		default:
			return fmt.Errorf("agent %s: unsupported storage %q", agent.ID, agent.Storage)
		}
	}

	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Prefix == "" {
		return fmt.Errorf("etcd prefix is required")
	}

	if _, err := c.NewAccessValidator(); err != nil {
		return err
	}

	return nil
}

// GetAgentByID finds an agent configuration by its ID
func (c *Config) GetAgentByID(id string) (*AgentConfig, error) {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent with id %q not found", id)
}

// GetLogLevel returns the configured log level, INFO when unset.
func (c *Config) GetLogLevel() logger.LogLevel {
	level, _ := logger.ParseLevel(c.LogLevel)
	return level
}

// GetTickRate returns the network tick rate, DefaultTickRate when unset.
func (c *Config) GetTickRate() int {
	if c.Network.TickRate == 0 {
		return DefaultTickRate
	}
	return c.Network.TickRate
}

// HasEtcd reports whether etcd discovery is configured.
func (c *Config) HasEtcd() bool {
	return len(c.Etcd.Endpoints) > 0
}

// NetworkRuntimeConfig converts the network section into a network.Config.
// Zero fields keep their network.DefaultConfig values.
func (c *Config) NetworkRuntimeConfig() (network.Config, error) {
	cfg := network.DefaultConfig()
	n := c.Network
	if n.Name != "" {
		cfg.Name = n.Name
	}
	if n.AliveTimeout > 0 {
		cfg.AliveTimeout = n.AliveTimeout
	}
	if n.UnusedContainerTimeout > 0 {
		cfg.UnusedContainerTimeout = n.UnusedContainerTimeout
	}
	if n.GetTimeout > 0 {
		cfg.GetTimeout = n.GetTimeout
	}
	if n.PingInterval > 0 {
		cfg.PingInterval = n.PingInterval
	}
	if n.MaxMissedPings > 0 {
		cfg.MaxMissedPings = n.MaxMissedPings
	}
	sel, err := network.SelectorByName(n.Selector)
	if err != nil {
		return network.Config{}, err
	}
	cfg.Selector = sel
	return cfg, nil
}

// NewAccessValidator creates an AccessValidator from the config's access rules.
// Returns nil if no access rules are configured.
// Returns an error if any rule has an invalid pattern or access level.
func (c *Config) NewAccessValidator() (*AccessValidator, error) {
	if len(c.AccessRules) == 0 {
		return nil, nil
	}
	return NewAccessValidator(c.AccessRules)
}
