package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedPeer is one statically-known peer a node should register into its
// local membership view at startup, for bootstrapping a group without a
// shared Postgres store (the teacher's "apply -f function.yaml" manifest
// pattern, repointed from function specs onto group topology).
type SeedPeer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Topology is a static seed manifest: every node in the group, independent
// of which one happens to be running serve right now.
type Topology struct {
	Peers []SeedPeer `yaml:"peers"`
}

// LoadTopology reads a YAML topology manifest from path.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read topology file: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parse topology file: %w", err)
	}
	return &t, nil
}
