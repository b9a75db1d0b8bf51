package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/replob"
	"github.com/gridem/replob/wire"
)

func newTestDetector(t *testing.T, onEvicted func(membership.NodeId)) (*Detector, *membership.NodesConfig) {
	t.Helper()
	nodes := membership.NewNodesConfig(1, map[membership.NodeId]membership.Endpoint{
		1: {Host: "127.0.0.1", Port: 8801},
		2: {Host: "127.0.0.1", Port: 8802},
	})
	bcast := membership.NewBroadcaster(map[membership.NodeId]membership.Peer{})
	r := replob.New(1, nodes, bcast, metrics.Nop)
	d := New(1, nodes, bcast, r, metrics.Nop, onEvicted)
	return d, nodes
}

func TestOnHeartbeatRecordsLastBeat(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	d.OnHeartbeat(wire.HeartbeatMessage{Source: 2})
	d.mu.Lock()
	_, seen := d.lastBeat[2]
	d.mu.Unlock()
	assert.True(t, seen)
}

func TestScanForSilenceEvictsAfterThreshold(t *testing.T) {
	var evicted membership.NodeId
	done := make(chan struct{})
	d, nodes := newTestDetector(t, func(id membership.NodeId) {
		evicted = id
		close(done)
	})

	d.mu.Lock()
	d.lastBeat[2] = time.Now().Add(-2 * silenceThreshold)
	d.mu.Unlock()

	d.scanForSilence()

	select {
	case <-done:
		assert.Equal(t, membership.NodeId(2), evicted)
	case <-time.After(time.Second):
		t.Fatal("node was never evicted")
	}
	assert.False(t, nodes.Contains(2))
}

func TestScanForSilenceDoesNotDoubleEvict(t *testing.T) {
	calls := 0
	d, _ := newTestDetector(t, func(membership.NodeId) { calls++ })

	d.mu.Lock()
	d.lastBeat[2] = time.Now().Add(-2 * silenceThreshold)
	d.mu.Unlock()

	d.scanForSilence()
	d.scanForSilence()

	require.Eventually(t, func() bool { return calls == 1 }, time.Second, 5*time.Millisecond)
}
