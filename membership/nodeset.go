package membership

import "sort"

// NodeSet is an ordered set of NodeId, used as the membership snapshot
// carried in vote messages and as the "voted so far" accumulator in a
// Replob step. The zero value is an empty set.
type NodeSet struct {
	ids map[NodeId]struct{}
}

// NewNodeSet builds a NodeSet from a slice, deduplicating.
func NewNodeSet(ids []NodeId) NodeSet {
	s := NodeSet{ids: make(map[NodeId]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s NodeSet) Empty() bool { return len(s.ids) == 0 }

func (s NodeSet) Len() int { return len(s.ids) }

func (s NodeSet) Contains(id NodeId) bool {
	if s.ids == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Add returns a new NodeSet with id present; the receiver is unmodified.
func (s NodeSet) Add(id NodeId) NodeSet {
	out := s.clone()
	out.ids[id] = struct{}{}
	return out
}

// Intersect returns the members present in both sets.
func (s NodeSet) Intersect(other NodeSet) NodeSet {
	out := NodeSet{ids: make(map[NodeId]struct{})}
	for id := range s.ids {
		if other.Contains(id) {
			out.ids[id] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets contain exactly the same members.
func (s NodeSet) Equal(other NodeSet) bool {
	if len(s.ids) != len(other.ids) {
		return false
	}
	for id := range s.ids {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Slice returns the members in ascending order.
func (s NodeSet) Slice() []NodeId {
	out := make([]NodeId, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Min returns the smallest NodeId in the set; panics on an empty set, the
// caller (Replob's isConsistent tie-break) only ever calls this on a
// nodes set it has already checked is non-empty.
func (s NodeSet) Min() NodeId {
	min, ok := NodeId(0), false
	for id := range s.ids {
		if !ok || id < min {
			min = id
			ok = true
		}
	}
	if !ok {
		panic("Min called on empty NodeSet")
	}
	return min
}

func (s NodeSet) clone() NodeSet {
	out := NodeSet{ids: make(map[NodeId]struct{}, len(s.ids))}
	for id := range s.ids {
		out.ids[id] = struct{}{}
	}
	return out
}
