package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvValidPair(t *testing.T) {
	t.Setenv("NODES", "3")
	t.Setenv("NODE_ID", "2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NodeCount)
	assert.EqualValues(t, 2, cfg.NodeID)
}

func TestFromEnvMissingVars(t *testing.T) {
	t.Setenv("NODES", "")
	t.Setenv("NODE_ID", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRangeNodeCount(t *testing.T) {
	cfg := RuntimeConfig{NodeCount: 21, NodeID: 1}
	assert.Error(t, cfg.Validate())

	cfg = RuntimeConfig{NodeCount: 0, NodeID: 1}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNodeIDOutsideNodeCount(t *testing.T) {
	cfg := RuntimeConfig{NodeCount: 3, NodeID: 4}
	assert.Error(t, cfg.Validate())

	cfg = RuntimeConfig{NodeCount: 3, NodeID: 0}
	assert.Error(t, cfg.Validate())
}

func TestPortConvention(t *testing.T) {
	assert.Equal(t, 8801, Port(1))
	assert.Equal(t, 8810, Port(10))
}

func TestEndpointsCoversEveryNode(t *testing.T) {
	cfg := RuntimeConfig{NodeCount: 3, NodeID: 1}
	eps := cfg.Endpoints()
	require.Len(t, eps, 3)
	assert.Equal(t, 8802, eps[2].Port)
}
