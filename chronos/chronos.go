// Package chronos is a replicated, time-triggered job scheduler: every
// node keeps an identical due-time-ordered event queue and a fixed pool
// of execution slots (one per live node), so a scheduled job runs on
// exactly one node even as nodes come and go (spec.md §4.5). It is the
// Go re-expression of the source's Chronos struct, with arbitrary
// closures replaced by named jobs registered identically on every node
// (spec.md §9).
package chronos

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	logging "github.com/op/go-logging"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/membership"
	"github.com/gridem/replob/metrics"
	"github.com/gridem/replob/replob"
	"github.com/gridem/replob/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("chronos")
}

// advanceShift is added to a due-time wait so the timer fires slightly
// after the event is actually due, tolerating clock skew between the
// node that schedules the advance and the node whose timer fires it.
const advanceShift = 100 * time.Millisecond

const btreeDegree = 32

// event is a single scheduled job, ordered in the btree by due time
// first and EventID second so two jobs due at the same instant still
// have a total, deterministic order across every node.
type event struct {
	due     int64
	id      uuid.UUID
	jobName string
}

func (e *event) Less(than btree.Item) bool {
	o := than.(*event)
	if e.due != o.due {
		return e.due < o.due
	}
	return bytes.Compare(e.id[:], o.id[:]) < 0
}

// Chronos owns the replicated event queue, the awaiting queue of due
// jobs with no free slot yet, and the slot pool itself. Every method
// that mutates this state is only ever called from the replob single-
// threaded applier (spec.md §4.5), so c.mu guards cross-goroutine reads
// from Schedule/RegisterJob and the timer-driven advance check only.
type Chronos struct {
	self    membership.NodeId
	replob  *replob.Replob
	sched   *journey.Scheduler
	metrics metrics.Sink

	mu             sync.Mutex
	jobs           map[string]func()
	availableNodes []membership.NodeId
	slots          []membership.NodeId
	events         *btree.BTree
	running        map[membership.NodeId]*event
	awaiting       []*event
	timer          *time.Timer
}

// New builds a Chronos bound to r, with one slot per node currently in
// members. RegisterHandler wires it into replob for the three Chronos
// command tags.
func New(self membership.NodeId, members *membership.NodesConfig, r *replob.Replob, sink metrics.Sink) *Chronos {
	nodes := members.Nodes()
	c := &Chronos{
		self:           self,
		replob:         r,
		sched:          journey.NewScheduler("chronos", 1),
		metrics:        sink,
		jobs:           make(map[string]func()),
		availableNodes: append([]membership.NodeId(nil), nodes...),
		slots:          append([]membership.NodeId(nil), nodes...),
		events:         btree.New(btreeDegree),
		running:        make(map[membership.NodeId]*event),
	}
	r.RegisterHandler(wire.TagChronosSchedule, c.applySchedule)
	r.RegisterHandler(wire.TagChronosAdvanceTo, c.applyAdvanceTo)
	r.RegisterHandler(wire.TagChronosCompleted, c.applyCompleted)
	return c
}

// RegisterJob names fn so Schedule can reference it by name instead of
// carrying a closure over the wire (spec.md §9). Must be called with
// the same names, in the same order, on every node before Start.
func (c *Chronos) RegisterJob(name string, fn func()) {
	c.mu.Lock()
	c.jobs[name] = fn
	c.mu.Unlock()
}

// Schedule proposes that jobName run at due. Fire-and-forget: every
// live node applies the same ChronosScheduleCommand and ends up with
// the same event queue (spec.md §4.5's "adding an event").
func (c *Chronos) Schedule(jobName string, due time.Time) {
	c.replob.Apply(wire.ChronosScheduleCommand{
		EventID:     uuid.New(),
		JobName:     jobName,
		DueUnixNano: due.UnixNano(),
	})
}

// ScheduleIn is Schedule relative to now.
func (c *Chronos) ScheduleIn(jobName string, delay time.Duration) {
	c.Schedule(jobName, time.Now().Add(delay))
}

// OnNodeRemove is wired as the detector's onEvicted callback: it runs
// synchronously inside the replob applier that applied the RemoveNode
// command (spec.md §4.4/§4.5), never as a separately proposed command.
func (c *Chronos) OnNodeRemove(id membership.NodeId) {
	c.mu.Lock()
	c.availableNodes = removeNode(c.availableNodes, id)
	c.slots = removeNode(c.slots, id)
	running, ok := c.running[id]
	if ok {
		delete(c.running, id)
		c.awaiting = append(c.awaiting, running)
	}
	c.mu.Unlock()
	if ok {
		logger.Infof("chronos: node %d removed while running a job, requeuing", id)
		c.triggerAwaitings()
	}
}

func removeNode(nodes []membership.NodeId, id membership.NodeId) []membership.NodeId {
	out := nodes[:0]
	for _, n := range nodes {
		if n != id {
			out = append(out, n)
		}
	}
	return out
}

// applySchedule is the replob handler for ChronosScheduleCommand.
func (c *Chronos) applySchedule(cmd wire.AppCommand) {
	sc := cmd.(wire.ChronosScheduleCommand)
	c.mu.Lock()
	c.events.ReplaceOrInsert(&event{due: sc.DueUnixNano, id: sc.EventID, jobName: sc.JobName})
	c.mu.Unlock()
	c.scheduleWait()
	c.metrics.Inc("chronos.events_scheduled", 1, 1.0)
}

// applyAdvanceTo is the replob handler for ChronosAdvanceToCommand: it
// moves every event due before NowUnixNano into the awaiting queue,
// using the proposer's captured clock reading so every node agrees on
// which events are due (spec.md §4.5's "now isn't stable across
// nodes").
func (c *Chronos) applyAdvanceTo(cmd wire.AppCommand) {
	ac := cmd.(wire.ChronosAdvanceToCommand)
	var due []*event
	c.mu.Lock()
	for {
		min := c.events.Min()
		if min == nil {
			break
		}
		ev := min.(*event)
		if ev.due >= ac.NowUnixNano {
			break
		}
		c.events.DeleteMin()
		due = append(due, ev)
	}
	c.awaiting = append(c.awaiting, due...)
	c.mu.Unlock()

	if len(due) > 0 {
		c.triggerAwaitings()
	}
	c.scheduleWait()
}

// applyCompleted is the replob handler for ChronosCompletedCommand:
// the node that ran a job reports completion, freeing its slot on
// every node identically.
func (c *Chronos) applyCompleted(cmd wire.AppCommand) {
	cc := cmd.(wire.ChronosCompletedCommand)
	c.mu.Lock()
	delete(c.running, cc.Node)
	c.slots = append(c.slots, cc.Node)
	c.mu.Unlock()
	c.triggerAwaitings()
}

// triggerAwaitings assigns as many awaiting jobs to free slots as
// possible, FIFO on both sides (spec.md §4.5).
func (c *Chronos) triggerAwaitings() {
	for {
		c.mu.Lock()
		if len(c.awaiting) == 0 || len(c.slots) == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.awaiting[0]
		c.awaiting = c.awaiting[1:]
		id := c.slots[0]
		c.slots = c.slots[1:]
		c.running[id] = ev
		c.mu.Unlock()

		c.executeHandler(ev, id)
	}
}

// executeHandler runs on every node after triggerAwaitings has recorded
// ev as running on id; if id is this node, it spawns a journey that runs
// the named job and reports completion once it returns (spec.md §4.5).
// Every other node only tracks the assignment until the
// ChronosCompletedCommand arrives.
func (c *Chronos) executeHandler(ev *event, id membership.NodeId) {
	if id != c.self {
		return
	}
	c.mu.Lock()
	fn, ok := c.jobs[ev.jobName]
	c.mu.Unlock()
	if !ok {
		logger.Errorf("chronos: job %q not registered locally, skipping", ev.jobName)
		c.replob.Apply(wire.ChronosCompletedCommand{Node: id})
		return
	}
	journey.Spawn(c.sched, "chronos-job-"+ev.jobName, func(j *journey.Journey) {
		fn()
		c.replob.Apply(wire.ChronosCompletedCommand{Node: id})
		c.metrics.Inc("chronos.jobs_completed", 1, 1.0)
	})
}

// scheduleWait arms or disarms the local wakeup timer for the earliest
// due event. The timer only ever triggers a check, never an apply
// directly: "now" must be agreed on through replob before it can be
// used to move events (spec.md §4.5).
func (c *Chronos) scheduleWait() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	min := c.events.Min()
	if min == nil {
		c.mu.Unlock()
		return
	}
	due := min.(*event).due
	c.mu.Unlock()

	diff := time.Until(time.Unix(0, due))
	if diff < 0 {
		c.checkAndProposeAdvance()
		return
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(diff+advanceShift, c.checkAndProposeAdvance)
	c.mu.Unlock()
}

// checkAndProposeAdvance re-reads the local clock outside any lock held
// across the propose, then only proposes ChronosAdvanceToCommand if an
// event is genuinely due -- it is a read-only local check, not itself a
// replicated decision.
func (c *Chronos) checkAndProposeAdvance() {
	c.mu.Lock()
	min := c.events.Min()
	c.mu.Unlock()
	if min == nil {
		return
	}
	if min.(*event).due >= time.Now().UnixNano() {
		return
	}
	c.replob.Apply(wire.ChronosAdvanceToCommand{NowUnixNano: time.Now().UnixNano()})
}
