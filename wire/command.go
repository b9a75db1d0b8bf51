// Package wire turns in-process command objects into the byte frames
// carried between nodes, and back. It is the single place every
// replicated command type is declared, replacing the source's unsafe
// closure-replay encoding (spec.md §9) with an explicit tagged union.
package wire

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/gridem/replob/membership"
)

// Tag identifies which Command variant follows in a frame.
type Tag uint8

const (
	TagVote Tag = iota + 1
	TagCommit
	TagHeartbeat
	TagRemoveNode
	TagChronosAdvanceTo
	TagChronosCompleted
	TagChronosSchedule
	TagKVSet
	TagKVGet
)

func (t Tag) String() string {
	switch t {
	case TagVote:
		return "Vote"
	case TagCommit:
		return "Commit"
	case TagHeartbeat:
		return "Heartbeat"
	case TagRemoveNode:
		return "RemoveNode"
	case TagChronosAdvanceTo:
		return "ChronosAdvanceTo"
	case TagChronosCompleted:
		return "ChronosCompleted"
	case TagChronosSchedule:
		return "ChronosSchedule"
	case TagKVSet:
		return "KVSet"
	case TagKVGet:
		return "KVGet"
	default:
		return "Unknown"
	}
}

// MessageId is globally unique and used only to order a CarrySet; total
// order across origins is irrelevant to correctness, only the tie-break
// matters (spec.md §3).
type MessageId struct {
	Origin membership.NodeId
	Nonce  uuid.UUID
}

// NewMessageId mints a fresh id for a command proposed by origin.
func NewMessageId(origin membership.NodeId) MessageId {
	return MessageId{Origin: origin, Nonce: uuid.New()}
}

// Less imposes the total order CarrySet is sorted by.
func (m MessageId) Less(other MessageId) bool {
	if m.Origin != other.Origin {
		return m.Origin < other.Origin
	}
	return bytes.Compare(m.Nonce[:], other.Nonce[:]) < 0
}

// AppCommand is an application-level command: one that travels inside a
// CarryMsg, is voted on by replob, and is applied exactly once per node
// in StepId-then-MessageId order (I2). Concrete types live in wire so
// replob, detector, chronos, and kvapp can all depend on one command
// vocabulary without depending on each other (spec.md §9's cyclic-
// reference note).
type AppCommand interface {
	Tag() Tag
}

// CarryMsg is the unit replob votes on: a command paired with the id
// that orders it within its step.
type CarryMsg struct {
	Cmd AppCommand
	ID  MessageId
}

// CarrySet is a CarryMsg batch, always kept sorted by MessageId.
type CarrySet []CarryMsg

// Len, Less, Swap implement sort.Interface.
func (c CarrySet) Len() int           { return len(c) }
func (c CarrySet) Less(i, j int) bool { return c[i].ID.Less(c[j].ID) }
func (c CarrySet) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }

// RemoveNodeCommand evicts a peer everywhere, applied after the detector
// gives up on it (spec.md §4.4).
type RemoveNodeCommand struct {
	Node membership.NodeId
}

func (RemoveNodeCommand) Tag() Tag { return TagRemoveNode }

// ChronosAdvanceToCommand drains due events into the awaiting queue and
// against free slots, using the proposer's captured clock reading so
// every applier sees the same "now" (spec.md §4.5).
type ChronosAdvanceToCommand struct {
	NowUnixNano int64
}

func (ChronosAdvanceToCommand) Tag() Tag { return TagChronosAdvanceTo }

// ChronosCompletedCommand reports that the handler running on Node
// finished, freeing its slot everywhere (spec.md §4.5).
type ChronosCompletedCommand struct {
	Node membership.NodeId
}

func (ChronosCompletedCommand) Tag() Tag { return TagChronosCompleted }

// ChronosScheduleCommand inserts a due-timestamped job into every node's
// event queue identically (spec.md §4.5's "adding an event"). JobName
// names a handler registered locally on every node at startup -- the
// tagged-command replacement for the source's unsafe closure replication
// (spec.md §9): the command carries an identifier, never executable code.
type ChronosScheduleCommand struct {
	EventID     uuid.UUID
	JobName     string
	DueUnixNano int64
}

func (ChronosScheduleCommand) Tag() Tag { return TagChronosSchedule }

// KVSetCommand writes a key. HasValue distinguishes "set to empty
// string" (true) from deleting the key (false, sent by kvapp's Delete).
type KVSetCommand struct {
	Key      string
	Value    string
	HasValue bool
}

func (KVSetCommand) Tag() Tag { return TagKVSet }

// KVGetCommand reads a key through the replicated log so the read
// observes every command ordered before it (linearizable read). Found/
// Value are populated by the local applier and never serialized; they
// are only meaningful on the node that submitted the command.
type KVGetCommand struct {
	Key   string
	Found bool
	Value string
}

func (*KVGetCommand) Tag() Tag { return TagKVGet }

// Message is a protocol-level, peer-to-peer wire message: Vote and
// Commit drive replob's agreement; Heartbeat is sent outside replob,
// broadcast-only and idempotent (spec.md §4.4).
type Message interface {
	MessageTag() Tag
}

// VoteMessage proposes or extends agreement on a step.
type VoteMessage struct {
	Step    uint64
	Carries CarrySet
	Source  membership.NodeId
	Nodes   membership.NodeSet
}

func (VoteMessage) MessageTag() Tag { return TagVote }

// CommitMessage finalizes a step's CarrySet.
type CommitMessage struct {
	Step    uint64
	Carries CarrySet
}

func (CommitMessage) MessageTag() Tag { return TagCommit }

// HeartbeatMessage is the failure detector's pulse.
type HeartbeatMessage struct {
	Source membership.NodeId
}

func (HeartbeatMessage) MessageTag() Tag { return TagHeartbeat }
