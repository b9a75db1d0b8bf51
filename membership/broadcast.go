package membership

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Peer is the minimal send capability broadcast needs; transport.Peer
// satisfies it without membership importing transport (which would
// cycle, since transport imports membership).
type Peer interface {
	Send(payload []byte) error
}

// Broadcaster fans a payload out to a set of peers in parallel and
// reports the first delivery failure, replacing the teacher's bare
// go-statement-and-channel fan-out (cluster.ExecuteRead) with
// golang.org/x/sync/errgroup.
type Broadcaster struct {
	peers map[NodeId]Peer
}

// NewBroadcaster wraps a peer registry.
func NewBroadcaster(peers map[NodeId]Peer) *Broadcaster {
	return &Broadcaster{peers: peers}
}

// SetPeer adds or replaces the send target for id.
func (b *Broadcaster) SetPeer(id NodeId, p Peer) {
	b.peers[id] = p
}

// RemovePeer drops a target, used after eviction (I3).
func (b *Broadcaster) RemovePeer(id NodeId) {
	delete(b.peers, id)
}

// SendTo delivers payload to exactly one peer.
func (b *Broadcaster) SendTo(id NodeId, payload []byte) error {
	p, ok := b.peers[id]
	if !ok {
		return NodeError(id)
	}
	return p.Send(payload)
}

// Broadcast delivers payload to every id in targets, concurrently.
// Fire-and-forget at this layer (spec.md §4.2): a transient send failure
// to one peer does not fail the others; the first error observed is
// still returned so callers can log it, but replob's own quorum/timer
// logic is what actually reacts to dropped peers.
func (b *Broadcaster) Broadcast(targets []NodeId, payload []byte) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, id := range targets {
		id := id
		g.Go(func() error {
			return b.SendTo(id, payload)
		})
	}
	return g.Wait()
}

// NodeError means the target id is not a known peer (already evicted).
type NodeError NodeId

func (e NodeError) Error() string {
	return fmt.Sprintf("membership: node %d not known", NodeId(e))
}
