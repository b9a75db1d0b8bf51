package replob

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/wire"
)

func singleNodeReplob(t *testing.T) *Replob {
	t.Helper()
	nodes := membership.NewNodesConfig(1, map[membership.NodeId]membership.Endpoint{1: {Host: "127.0.0.1", Port: 8801}})
	bcast := membership.NewBroadcaster(map[membership.NodeId]membership.Peer{})
	return New(1, nodes, bcast, metrics.Nop)
}

func TestSingleNodeApplyAppliesInOrder(t *testing.T) {
	r := singleNodeReplob(t)
	var applied []int
	r.RegisterHandler(wire.TagKVSet, func(cmd wire.AppCommand) {
		set := cmd.(wire.KVSetCommand)
		n := len(set.Value)
		applied = append(applied, n)
	})

	for i := 0; i < 5; i++ {
		r.Apply(wire.KVSetCommand{Key: "x", Value: strings.Repeat("v", i+1), HasValue: true})
	}

	require.Eventually(t, func() bool {
		return len(applied) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, applied)
}

func TestIsConsistentMajority(t *testing.T) {
	nodes := membership.NewNodeSet([]membership.NodeId{1, 2, 3})
	voted := membership.NewNodeSet([]membership.NodeId{1, 2})
	assert.True(t, isConsistent(voted, nodes))
}

func TestIsConsistentTwoNodeSplitSmallestWins(t *testing.T) {
	nodes := membership.NewNodeSet([]membership.NodeId{1, 2})
	votedSmallest := membership.NewNodeSet([]membership.NodeId{1})
	assert.True(t, isConsistent(votedSmallest, nodes))

	votedLargest := membership.NewNodeSet([]membership.NodeId{2})
	assert.False(t, isConsistent(votedLargest, nodes))
}

func TestStepMergeCarriesDeduplicates(t *testing.T) {
	s := newStep(0)
	id := wire.NewMessageId(1)
	s.mergeCarries(wire.CarrySet{{Cmd: wire.RemoveNodeCommand{Node: 2}, ID: id}})
	s.mergeCarries(wire.CarrySet{{Cmd: wire.RemoveNodeCommand{Node: 2}, ID: id}})
	assert.Len(t, s.carries, 1)
}

func TestStepMergeCarriesKeepsSortedOrderRegardlessOfArrivalOrder(t *testing.T) {
	lo := wire.CarryMsg{Cmd: wire.RemoveNodeCommand{Node: 1}, ID: wire.NewMessageId(1)}
	hi := wire.CarryMsg{Cmd: wire.RemoveNodeCommand{Node: 2}, ID: wire.NewMessageId(2)}
	if !lo.ID.Less(hi.ID) {
		lo, hi = hi, lo
	}

	a := newStep(0)
	a.mergeCarries(wire.CarrySet{lo})
	a.mergeCarries(wire.CarrySet{hi})

	b := newStep(0)
	b.mergeCarries(wire.CarrySet{hi})
	b.mergeCarries(wire.CarrySet{lo})

	require.Equal(t, a.carries, b.carries)
	assert.True(t, a.carries[0].ID.Less(a.carries[1].ID))
}

func TestReceiveCommitAppliesEvenWithoutPriorVote(t *testing.T) {
	r := singleNodeReplob(t)
	var got string
	done := make(chan struct{})
	r.RegisterHandler(wire.TagKVSet, func(cmd wire.AppCommand) {
		got = cmd.(wire.KVSetCommand).Value
		close(done)
	})

	carries := wire.CarrySet{{Cmd: wire.KVSetCommand{Key: "k", Value: "committed", HasValue: true}, ID: wire.NewMessageId(2)}}
	r.ReceiveCommit(wire.CommitMessage{Step: 0, Carries: carries})

	select {
	case <-done:
		assert.Equal(t, "committed", got)
	case <-time.After(time.Second):
		t.Fatal("commit never applied")
	}
}
