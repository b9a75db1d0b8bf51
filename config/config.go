// Package config reads the two environment variables that fully
// describe a run (spec.md §6's "Startup environment") and validates
// them, so every cmd/ binary wires its runtime off one plain struct
// instead of parsing flags or env vars itself.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gridem/replob/membership"
)

const (
	minNodes = 1
	maxNodes = 20
	basePort = 8800
)

// RuntimeConfig is the validated startup configuration for this
// process: how many nodes participate, and which one this process is.
type RuntimeConfig struct {
	NodeCount int
	NodeID    membership.NodeId
}

// FromEnv reads NODES and NODE_ID, validating 1 <= NodeID <= NodeCount
// <= 20 (spec.md §6).
func FromEnv() (RuntimeConfig, error) {
	nodesStr := os.Getenv("NODES")
	idStr := os.Getenv("NODE_ID")
	if nodesStr == "" || idStr == "" {
		return RuntimeConfig{}, fmt.Errorf("config: NODES and NODE_ID must both be set")
	}

	nodeCount, err := strconv.Atoi(nodesStr)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("config: NODES=%q is not an integer: %w", nodesStr, err)
	}
	nodeID, err := strconv.Atoi(idStr)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("config: NODE_ID=%q is not an integer: %w", idStr, err)
	}

	cfg := RuntimeConfig{NodeCount: nodeCount, NodeID: membership.NodeId(nodeID)}
	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// Validate checks the 1..20 range and that NodeID is a member of
// [1, NodeCount].
func (c RuntimeConfig) Validate() error {
	if c.NodeCount < minNodes || c.NodeCount > maxNodes {
		return fmt.Errorf("config: NODES=%d out of range [%d, %d]", c.NodeCount, minNodes, maxNodes)
	}
	if int(c.NodeID) < 1 || int(c.NodeID) > c.NodeCount {
		return fmt.Errorf("config: NODE_ID=%d out of range [1, %d]", c.NodeID, c.NodeCount)
	}
	return nil
}

// Port returns the loopback TCP port node id binds (spec.md §6's
// "8800 + i" convention).
func Port(id membership.NodeId) int {
	return basePort + int(id)
}

// Endpoints builds the full-mesh endpoint map for every node 1..NodeCount,
// all on loopback, ready to hand to membership.NewNodesConfig.
func (c RuntimeConfig) Endpoints() map[membership.NodeId]membership.Endpoint {
	out := make(map[membership.NodeId]membership.Endpoint, c.NodeCount)
	for i := 1; i <= c.NodeCount; i++ {
		id := membership.NodeId(i)
		out[id] = membership.Endpoint{Host: "127.0.0.1", Port: Port(id)}
	}
	return out
}
