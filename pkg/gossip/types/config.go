package types

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default listening port for production nodes. Co-tenant
	// processes on the same address derive a secondary port by
	// adding one to this.
	DefaultGossipPort = 65002

	DefaultTTLSeconds = 10

	DefaultSolicitDeadline = 5 * time.Second

	// How long the readiness monitor waits before interpreting
	// silence on an open stream as a clean peer close.
	DefaultMonitorTimeout = 2 * time.Minute
)

// Config is the property bag driving one gossip system.
type Config struct {
	// Externally routable address of this node. Empty means
	// auto detect from the interface tables.
	Eripa string `yaml:"eripa"`

	// Bootstrap list of peer addresses dialed at startup.
	AllKnownAddresses []string `yaml:"all_known_addresses"`

	// Listening port for inbound gossip connections.
	GossipPort int `yaml:"gossip_port"`

	// TCP or UDP. Only TCP is currently served, the key exists
	// so configurations stay portable across deployments.
	PreferredProtocol string `yaml:"preferred_protocol"`

	// Number of local gossip nodes at this address. Nil means
	// one, an explicit zero forces zero nodes.
	NumNodes *int `yaml:"numnodes"`

	// Regime for UID allocation, tiny or normal.
	UIDRegime Regime `yaml:"uid_regime"`

	// TTL stamped on messages injected through the public API.
	TTLSeconds int64 `yaml:"ttl_seconds"`

	// Deadline for reply aggregation of one solicitation.
	SolicitDeadline time.Duration `yaml:"solicit_deadline"`

	// Readiness monitor poll timeout.
	MonitorTimeout time.Duration `yaml:"monitor_timeout"`

	// Seed for the deterministic graph builder.
	GraphSeed int64 `yaml:"graph_seed"`

	// Logger for every component of the system. Not part of the
	// serialized configuration.
	Logger Logger `yaml:"-"`
}

// DefaultConfiguration returns the configuration a production node
// starts from. The logger is left nil on purpose, the system fills
// in the default logger when none was provided.
func DefaultConfiguration() *Config {
	return &Config{
		AllKnownAddresses: nil,
		GossipPort:        DefaultGossipPort,
		PreferredProtocol: "TCP",
		UIDRegime:         Normal,
		TTLSeconds:        DefaultTTLSeconds,
		SolicitDeadline:   DefaultSolicitDeadline,
		MonitorTimeout:    DefaultMonitorTimeout,
	}
}

// LoadConfiguration reads a YAML property bag from disk, layered
// over the defaults.
func LoadConfiguration(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	conf := DefaultConfiguration()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	return conf, conf.Validate()
}

// Dump serializes the configuration back to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// LocalNodes resolves the numnodes key. Nil means one, zero is an
// explicit request for no local nodes.
func (c *Config) LocalNodes() int {
	if c.NumNodes == nil {
		return 1
	}
	return *c.NumNodes
}

func (c *Config) Validate() error {
	// Port zero asks the listener for an ephemeral port, used by
	// simulations and tests.
	if c.GossipPort < 0 || c.GossipPort > 65535 {
		return fmt.Errorf("gossip_port %d out of range", c.GossipPort)
	}
	switch strings.ToUpper(c.PreferredProtocol) {
	case "", "TCP", "UDP":
	default:
		return fmt.Errorf("preferred_protocol must be TCP or UDP, got %q", c.PreferredProtocol)
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("ttl_seconds must be positive, got %d", c.TTLSeconds)
	}
	if c.NumNodes != nil && *c.NumNodes < 0 {
		return fmt.Errorf("numnodes cannot be negative, got %d", *c.NumNodes)
	}
	return nil
}
