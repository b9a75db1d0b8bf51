// Package replob implements the atomic-broadcast/uniform-agreement
// engine at the center of the runtime: a simple two-phase all-to-all
// vote/commit protocol that applies a totally-ordered command log
// identically on every live node (spec.md §4.3).
package replob

import (
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("replob")
}

// Replob owns the per-step voting table and the sequential applier.
// Generalized from consensus.Scope's per-key state machine (lock plus
// stat counters, no persistence) to per-StepID steps running a simpler
// all-to-all protocol instead of EPaxos.
type Replob struct {
	self    membership.NodeId
	members *membership.NodesConfig
	bcast   *membership.Broadcaster
	metrics metrics.Sink

	mu          sync.Mutex
	steps       map[StepID]*step
	applyCursor StepID
	pending     map[wire.MessageId]journey.DoneHandle

	registry   *handlerRegistry
	applySched *journey.Scheduler
}

// New builds a Replob instance for self, broadcasting over bcast and
// reading membership from members. sink may be metrics.Nop.
func New(self membership.NodeId, members *membership.NodesConfig, bcast *membership.Broadcaster, sink metrics.Sink) *Replob {
	return &Replob{
		self:       self,
		members:    members,
		bcast:      bcast,
		metrics:    sink,
		steps:      make(map[StepID]*step),
		pending:    make(map[wire.MessageId]journey.DoneHandle),
		registry:   newHandlerRegistry(),
		applySched: journey.NewScheduler("replob-applier", 1),
	}
}

// RegisterHandler binds an application command tag to the handler that
// mutates the singleton it targets. Must be called before any command of
// that tag can be proposed.
func (r *Replob) RegisterHandler(tag wire.Tag, fn Handler) {
	r.registry.register(tag, fn)
}

func (r *Replob) currentMembership() membership.NodeSet {
	return membership.NewNodeSet(r.members.Nodes())
}

func otherMembers(nodes membership.NodeSet, self membership.NodeId) []membership.NodeId {
	out := make([]membership.NodeId, 0, nodes.Len())
	for _, id := range nodes.Slice() {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Apply fire-and-forget proposes cmd (spec.md §4.3 "Propose").
func (r *Replob) Apply(cmd wire.AppCommand) {
	r.propose(cmd, wire.NewMessageId(r.self))
}

// ApplySync submits cmd and suspends caller until it has been applied on
// this node, via a detachable done-handle tied to caller's journey
// (spec.md §4.3's "synchronous apply").
func (r *Replob) ApplySync(caller *journey.Journey, cmd wire.AppCommand) error {
	id := wire.NewMessageId(r.self)
	handle := caller.DetachableDoneHandle()
	r.mu.Lock()
	r.pending[id] = handle
	r.mu.Unlock()
	r.propose(cmd, id)
	return caller.WaitForDone()
}

// propose merges cmd into the current step's carry set and registers the
// local node's own vote, the same bookkeeping ReceiveVote does for a
// remote vote (spec.md §4.3). Without this, a single-node deployment --
// where sendVote's target list is empty and no VoteMessage ever comes
// back -- would never see its own vote and the step would never
// complete.
func (r *Replob) propose(cmd wire.AppCommand, id wire.MessageId) {
	r.mu.Lock()
	st := r.openStepLocked()
	st.mergeCarries(wire.CarrySet{{Cmd: cmd, ID: id}})
	nodes := r.currentMembership()
	if st.nodes.Empty() {
		st.nodes = nodes
	}
	st.voted = st.voted.Add(r.self)
	stepID := st.id

	if st.voted.Equal(st.nodes) && !st.nodes.Empty() {
		r.completeLocked(st)
		carries := append(wire.CarrySet(nil), st.carries...)
		completedNodes := st.nodes
		r.mu.Unlock()

		r.sendCommit(stepID, carries, completedNodes)
		r.metrics.Inc("replob.steps_completed_by_vote", 1, 1.0)
		r.tryApply()
		return
	}

	st.state = StateVoted
	r.armTimerLocked(st)
	carries := append(wire.CarrySet(nil), st.carries...)
	r.mu.Unlock()

	r.sendVote(stepID, carries, r.self, nodes)
}

// openStepLocked returns the earliest not-completed step, creating it if
// missing. Caller holds r.mu.
func (r *Replob) openStepLocked() *step {
	id := r.applyCursor
	for {
		st, ok := r.steps[id]
		if !ok {
			st = newStep(id)
			r.steps[id] = st
		}
		if st.state != StateCompleted {
			return st
		}
		id++
	}
}

func (r *Replob) armTimerLocked(st *step) {
	if st.timer != nil {
		st.timer.Stop()
	}
	stepID := st.id
	st.timer = time.AfterFunc(availabilityTimeout, func() {
		r.onAvailabilityTimeout(stepID)
	})
}

func (r *Replob) completeLocked(st *step) {
	st.state = StateCompleted
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// ReceiveVote applies the vote transition (spec.md §4.3) for a message
// decoded off the wire.
func (r *Replob) ReceiveVote(msg wire.VoteMessage) {
	stepID := StepID(msg.Step)
	r.mu.Lock()
	st, ok := r.steps[stepID]
	if !ok {
		st = newStep(stepID)
		r.steps[stepID] = st
	}
	if st.state == StateCompleted {
		r.mu.Unlock()
		return
	}

	st.mergeCarries(msg.Carries)

	if st.nodes.Empty() {
		st.nodes = msg.Nodes
	} else if !st.nodes.Equal(msg.Nodes) {
		st.state = StateInitial
		st.nodes = st.nodes.Intersect(msg.Nodes)
		st.voted = membership.NodeSet{}
	}
	st.voted = st.voted.Add(msg.Source).Add(r.self)

	if st.voted.Equal(st.nodes) && !st.nodes.Empty() {
		r.completeLocked(st)
		carries := append(wire.CarrySet(nil), st.carries...)
		nodes := st.nodes
		r.mu.Unlock()

		r.sendCommit(stepID, carries, nodes)
		r.metrics.Inc("replob.steps_completed_by_vote", 1, 1.0)
		r.tryApply()
		return
	}

	wasInitial := st.state == StateInitial
	if wasInitial {
		st.state = StateVoted
	}
	r.armTimerLocked(st)
	carries := append(wire.CarrySet(nil), st.carries...)
	nodes := st.nodes
	r.mu.Unlock()

	if wasInitial {
		r.sendVote(stepID, carries, r.self, nodes)
	}
}

// ReceiveCommit applies the commit transition (spec.md §4.3).
func (r *Replob) ReceiveCommit(msg wire.CommitMessage) {
	stepID := StepID(msg.Step)
	r.mu.Lock()
	st, ok := r.steps[stepID]
	if !ok {
		st = newStep(stepID)
		r.steps[stepID] = st
	}
	alreadyDone := st.state == StateCompleted
	if !alreadyDone {
		st.carries = msg.Carries
		r.completeLocked(st)
	}
	carries := append(wire.CarrySet(nil), st.carries...)
	nodes := st.nodes
	r.mu.Unlock()

	// Rebroadcasting on every receipt, even if already completed,
	// tolerates link loss without an explicit ack (spec.md §4.3).
	r.sendCommit(stepID, carries, nodes)
	if !alreadyDone {
		r.tryApply()
	}
}

// onAvailabilityTimeout implements the availability-timer tie-break
// (spec.md §4.3, §8).
func (r *Replob) onAvailabilityTimeout(stepID StepID) {
	r.mu.Lock()
	st, ok := r.steps[stepID]
	if !ok || st.state == StateCompleted {
		r.mu.Unlock()
		return
	}
	if isConsistent(st.voted, st.nodes) {
		narrowed := st.voted
		st.nodes = narrowed
		st.voted = membership.NodeSet{}.Add(r.self)
		if st.voted.Equal(st.nodes) {
			r.completeLocked(st)
			r.mu.Unlock()

			logger.Infof("step %d availability timeout: narrowed to this node alone, completing", stepID)
			r.metrics.Inc("replob.steps_narrowed", 1, 1.0)
			r.tryApply()
			return
		}
		st.state = StateVoted
		r.armTimerLocked(st)
		carries := append(wire.CarrySet(nil), st.carries...)
		r.mu.Unlock()

		logger.Infof("step %d availability timeout: narrowing to %d consistent voters", stepID, narrowed.Len())
		r.sendVote(stepID, carries, r.self, narrowed)
		r.metrics.Inc("replob.steps_narrowed", 1, 1.0)
		return
	}
	r.mu.Unlock()

	logger.Warningf("step %d availability timeout: votes not consistent, abandoning", stepID)
	r.metrics.Inc("replob.steps_abandoned", 1, 1.0)
	journey.Global().Run()
}

// tryApply drains every now-Completed step starting at applyCursor, in
// order, on the single-threaded applier scheduler (I2).
func (r *Replob) tryApply() {
	journey.Spawn(r.applySched, "replob-apply", func(j *journey.Journey) {
		for {
			r.mu.Lock()
			st, ok := r.steps[r.applyCursor]
			if !ok || st.state != StateCompleted {
				r.mu.Unlock()
				return
			}
			carries := append(wire.CarrySet(nil), st.carries...)
			cursor := r.applyCursor
			r.applyCursor++
			delete(r.steps, cursor)
			r.mu.Unlock()

			for _, c := range carries {
				r.applyOne(c)
			}
			applyLogger.Debugf("step %d applied (%d commands)", cursor, len(carries))
		}
	})
}

func (r *Replob) applyOne(c wire.CarryMsg) {
	r.registry.dispatch(c.Cmd)
	if c.ID.Origin != r.self {
		return
	}
	r.mu.Lock()
	handle, ok := r.pending[c.ID]
	if ok {
		delete(r.pending, c.ID)
	}
	r.mu.Unlock()
	if ok && handle.Acquire() {
		handle.Release()
	}
}

func (r *Replob) sendVote(stepID StepID, carries wire.CarrySet, source membership.NodeId, nodes membership.NodeSet) {
	msg := wire.VoteMessage{Step: uint64(stepID), Carries: carries, Source: source, Nodes: nodes}
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		logger.Errorf("encode vote for step %d: %v", stepID, err)
		return
	}
	targets := otherMembers(nodes, r.self)
	if err := r.bcast.Broadcast(targets, payload); err != nil {
		logger.Debugf("vote broadcast for step %d: %v", stepID, err)
	}
	r.metrics.Inc("replob.votes_sent", int64(len(targets)), 1.0)
}

func (r *Replob) sendCommit(stepID StepID, carries wire.CarrySet, nodes membership.NodeSet) {
	msg := wire.CommitMessage{Step: uint64(stepID), Carries: carries}
	payload, err := wire.EncodeMessage(msg)
	if err != nil {
		logger.Errorf("encode commit for step %d: %v", stepID, err)
		return
	}
	targets := otherMembers(nodes, r.self)
	if err := r.bcast.Broadcast(targets, payload); err != nil {
		logger.Debugf("commit broadcast for step %d: %v", stepID, err)
	}
	r.metrics.Inc("replob.commits_sent", int64(len(targets)), 1.0)
}

// HandleMessage decodes and routes an inbound protocol message (wired
// from the transport listener's callback, never called directly by
// application code).
func (r *Replob) HandleMessage(payload []byte) {
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		logger.Errorf("decode inbound message: %v", err)
		return
	}
	switch m := msg.(type) {
	case wire.VoteMessage:
		r.ReceiveVote(m)
	case wire.CommitMessage:
		r.ReceiveCommit(m)
	case wire.HeartbeatMessage:
		// the detector's pulse arrives on the same listener; not replob's
	default:
		logger.Warningf("replob received unexpected message tag %s", msg.MessageTag())
	}
}
