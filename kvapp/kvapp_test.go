package kvapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/replob"
)

func newTestKV(t *testing.T) (*KV, *replob.Replob) {
	t.Helper()
	nodes := membership.NewNodesConfig(1, map[membership.NodeId]membership.Endpoint{1: {Host: "127.0.0.1", Port: 8801}})
	bcast := membership.NewBroadcaster(map[membership.NodeId]membership.Peer{})
	r := replob.New(1, nodes, bcast, metrics.Nop)
	return New(r), r
}

func TestSetThenGetLocalEventuallyConverges(t *testing.T) {
	kv, r := newTestKV(t)
	kv.Set(r, "hello", "world!")

	require.Eventually(t, func() bool {
		v, ok := kv.GetLocal("hello")
		return ok && v == "world!"
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteRemovesKey(t *testing.T) {
	kv, r := newTestKV(t)
	kv.Set(r, "k", "v")
	require.Eventually(t, func() bool { _, ok := kv.GetLocal("k"); return ok }, time.Second, 5*time.Millisecond)

	kv.Delete(r, "k")
	require.Eventually(t, func() bool { _, ok := kv.GetLocal("k"); return !ok }, time.Second, 5*time.Millisecond)
}

func TestGetSyncObservesPriorSet(t *testing.T) {
	kv, r := newTestKV(t)
	kv.Set(r, "a", "1")

	sched := journey.NewScheduler("test", 1)
	var value string
	var found bool
	var getErr error
	done := make(chan struct{})
	journey.Spawn(sched, "get-sync", func(j *journey.Journey) {
		value, found, getErr = kv.GetSync(j, r, "a")
		close(done)
	})

	select {
	case <-done:
		require.NoError(t, getErr)
		assert.True(t, found)
		assert.Equal(t, "1", value)
	case <-time.After(time.Second):
		t.Fatal("GetSync never returned")
	}
}

func TestForEachIteratesCurrentContents(t *testing.T) {
	kv, r := newTestKV(t)
	kv.Set(r, "a", "1")
	kv.Set(r, "b", "22")

	require.Eventually(t, func() bool {
		_, a := kv.GetLocal("a")
		_, b := kv.GetLocal("b")
		return a && b
	}, time.Second, 5*time.Millisecond)

	total := 0
	kv.ForEach(func(key, value string) { total += len(value) })
	assert.Equal(t, 3, total)
}
