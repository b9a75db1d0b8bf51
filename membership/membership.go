/*
Tracks the set of peers participating in a run and the addresses used to
reach them.
*/
package membership

import (
	"fmt"
	"sort"
	"sync"

	logging "github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("membership")
}

// NodeId identifies a peer participating in the replicated run.
type NodeId uint32

// Endpoint is the network address a peer's transport listens on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// NodesConfig is the replicated singleton mapping every live peer to its
// endpoint. Mutations only ever happen inside a replob-applied command
// (currently just RemoveNode, from the failure detector's eviction path);
// application code must never call RemoveNode directly.
type NodesConfig struct {
	mu       sync.RWMutex
	thisNode NodeId
	nodes    map[NodeId]Endpoint
}

// NewNodesConfig builds the initial membership snapshot for a run. nodes
// must include an entry for thisNode.
func NewNodesConfig(thisNode NodeId, nodes map[NodeId]Endpoint) *NodesConfig {
	cp := make(map[NodeId]Endpoint, len(nodes))
	for id, ep := range nodes {
		cp[id] = ep
	}
	return &NodesConfig{thisNode: thisNode, nodes: cp}
}

func (c *NodesConfig) ThisNode() NodeId { return c.thisNode }

// Nodes returns every known NodeId, including this node, ascending.
func (c *NodesConfig) Nodes() []NodeId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedIds(c.nodes, nil)
}

// OtherNodes returns every known NodeId except this node, ascending.
func (c *NodesConfig) OtherNodes() []NodeId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedIds(c.nodes, &c.thisNode)
}

func sortedIds(nodes map[NodeId]Endpoint, exclude *NodeId) []NodeId {
	out := make([]NodeId, 0, len(nodes))
	for id := range nodes {
		if exclude != nil && id == *exclude {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Endpoint returns the address of the given peer, if still known.
func (c *NodesConfig) Endpoint(id NodeId) (Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.nodes[id]
	return ep, ok
}

// Contains reports whether id is still a known member.
func (c *NodesConfig) Contains(id NodeId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[id]
	return ok
}

// RemoveNode deletes a peer's endpoint. Invariant I3 (membership only
// shrinks) holds because this is the only mutator and it never re-adds an
// id within a run. Idempotent: removing an already-absent id is a no-op.
func (c *NodesConfig) RemoveNode(id NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return
	}
	delete(c.nodes, id)
	logger.Infof("removed node %d from NodesConfig", id)
}

// Snapshot returns a defensive copy of the current live NodeId set, used
// to seed a new consensus step's membership view.
func (c *NodesConfig) Snapshot() []NodeId {
	return c.Nodes()
}
