package replob

import (
	"sort"
	"time"

	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/wire"
)

// StepID is the sole step-numbering domain (spec.md §9 Open Question:
// the source's separate "Phantom" counter is not carried forward).
type StepID uint64

// State is one of Initial, Voted, Completed (spec.md §3).
type State int

const (
	StateInitial State = iota
	StateVoted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateVoted:
		return "Voted"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// availabilityTimeout is how long a step waits for missing votes before
// asking whether the votes seen so far are a consistent majority
// (spec.md §4.3).
const availabilityTimeout = 400 * time.Millisecond

// step is a single per-step record (spec.md §4.3). Not safe for
// concurrent use; callers hold Replob.mu.
type step struct {
	id      StepID
	state   State
	nodes   membership.NodeSet
	voted   membership.NodeSet
	carries wire.CarrySet
	timer   *time.Timer
}

func newStep(id StepID) *step {
	return &step{id: id, state: StateInitial}
}

// mergeCarries unions incoming carries into the step's accumulated batch,
// de-duplicating by MessageId and keeping the batch sorted by MessageId
// (spec.md §3) so that two nodes merging the same votes in different
// arrival order still end up applying commands in the same sequence (I1,
// I2) -- this must hold for every path that grows s.carries, not only the
// ones that happen to round-trip through the wire codec.
func (s *step) mergeCarries(incoming wire.CarrySet) {
	seen := make(map[wire.MessageId]struct{}, len(s.carries))
	for _, c := range s.carries {
		seen[c.ID] = struct{}{}
	}
	grew := false
	for _, c := range incoming {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		s.carries = append(s.carries, c)
		seen[c.ID] = struct{}{}
		grew = true
	}
	if grew {
		sort.Sort(s.carries)
	}
}

// isConsistent is the availability-timer tie-break rule (spec.md §4.3,
// §8 boundary cases): the voted set is consistent if it is a strict
// majority of nodes, or exactly half AND holds the smallest NodeId in
// nodes (deterministic split resolution).
func isConsistent(voted, nodes membership.NodeSet) bool {
	if nodes.Empty() {
		return false
	}
	v, n := voted.Len(), nodes.Len()
	if v*2 > n {
		return true
	}
	if v*2 == n {
		return voted.Contains(nodes.Min())
	}
	return false
}
