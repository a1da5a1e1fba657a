// Package config loads dartqctl's YAML configuration: the team this unit
// belongs to, the fabric peers it can reach, and the queue it opens. It
// follows the teacher's LoadConfig/DefaultConfig/private-struct-Validate
// pattern (controlplane/yncp/cfg.go) instead of a bespoke flag-only setup.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/dart-go/dartq/internal/logging"
)

// Config is dartqctl's top-level configuration.
type Config config
type config struct {
	// Logging configures the process's structured logger.
	Logging logging.Config `yaml:"logging"`
	// Listen is the local address this unit serves its fabric on.
	Listen string `yaml:"listen"`
	// Team describes this unit's membership and its peers' addresses.
	Team TeamConfig `yaml:"team"`
	// Queue describes the single queue dartqctl opens on startup.
	Queue QueueConfig `yaml:"queue"`
}

// TeamConfig names every member of the team by global ID and fabric
// address, and which one this process is.
type TeamConfig struct {
	// Name identifies the team; it is also used to key collective state on
	// the fabric.
	Name string `yaml:"name"`
	// Self is this process's own global unit ID. It must appear in Peers.
	Self uint32 `yaml:"self"`
	// Peers lists every team member, in team-relative-ID order: the first
	// entry is relative ID 0, and so on.
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig names one team member's global ID and fabric address.
type PeerConfig struct {
	GlobalID uint32 `yaml:"global_id"`
	Addr     string `yaml:"addr"`
}

// QueueConfig describes the queue dartqctl opens on startup.
type QueueConfig struct {
	// ID names the queue; every member of the team must use the same ID.
	ID string `yaml:"id"`
	// CapacityBytes is the fixed ring size. Accepts human-friendly sizes
	// like "1MB" or "512KiB" courtesy of datasize.ByteSize's unmarshaler.
	CapacityBytes datasize.ByteSize `yaml:"capacity_bytes"`
}

// DefaultConfig returns the configuration dartqctl runs with before a YAML
// file is applied on top of it.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Listen:  ":7171",
		Queue: QueueConfig{
			ID:            "default",
			CapacityBytes: 1 * datasize.MB,
		},
	}
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes onto the private config alias and then validates,
// so every LoadConfig caller gets validation for free and direct
// yaml.Unmarshal callers in tests do too.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(c)); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks that the configuration is internally consistent: the
// team is non-empty, Self is one of its members, and the queue is named
// and sized.
func (c *Config) Validate() error {
	if c.Team.Name == "" {
		return fmt.Errorf("config: team.name is required")
	}
	if len(c.Team.Peers) == 0 {
		return fmt.Errorf("config: team.peers must list at least one member")
	}

	found := false
	for _, p := range c.Team.Peers {
		if p.Addr == "" {
			return fmt.Errorf("config: team.peers: global id %d has no addr", p.GlobalID)
		}
		if p.GlobalID == c.Team.Self {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config: team.self (%d) is not listed in team.peers", c.Team.Self)
	}

	if c.Queue.ID == "" {
		return fmt.Errorf("config: queue.id is required")
	}
	if c.Queue.CapacityBytes == 0 {
		return fmt.Errorf("config: queue.capacity_bytes must be positive")
	}

	return nil
}

// GlobalIDs returns the team's members in team-relative-ID order.
func (t TeamConfig) GlobalIDs() []uint32 {
	ids := make([]uint32, len(t.Peers))
	for i, p := range t.Peers {
		ids[i] = p.GlobalID
	}
	return ids
}

// RelativeOf returns the team-relative ID of the peer with the given global
// ID, or false if no peer has it.
func (t TeamConfig) RelativeOf(global uint32) (uint32, bool) {
	for i, p := range t.Peers {
		if p.GlobalID == global {
			return uint32(i), true
		}
	}
	return 0, false
}
