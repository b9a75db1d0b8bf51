/*
Package journey implements the cooperative, stackful-task runtime: a small
pool of workers multiplexing journeys, each a goroutine that suspends only
at explicit points (I/O wait, timer wait, wait-for-done, reschedule,
teleport) and carries its own disableable cancel/timeout event.
*/
package journey

import (
	"runtime"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	"go.uber.org/atomic"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("journey")
}

// state word flags, packed into a single atomic uint64 (spec.md §4.1):
// the low 5 bits are flags, the rest is the detachment-generation
// counter.
const (
	flagEntered       uint64 = 1 << 0
	flagEventsEnabled uint64 = 1 << 1
	flagDone          uint64 = 1 << 2
	flagCancelled     uint64 = 1 << 3
	flagTimedout      uint64 = 1 << 4
	counterShift             = 5
	counterUnit       uint64 = 1 << counterShift
)

type stateWord uint64

func (s stateWord) eventsEnabled() bool { return uint64(s)&flagEventsEnabled != 0 }
func (s stateWord) done() bool          { return uint64(s)&flagDone != 0 }
func (s stateWord) cancelled() bool     { return uint64(s)&flagCancelled != 0 }
func (s stateWord) timedout() bool      { return uint64(s)&flagTimedout != 0 }
func (s stateWord) counter() uint64     { return uint64(s) >> counterShift }

// Journey is a cooperative task: a goroutine multiplexed over a
// Scheduler's worker slots, with its own disableable event state.
type Journey struct {
	id       int64
	name     string
	state    atomic.Uint64
	wake     chan struct{}
	headless bool // true for synthetic, scheduler-less journeys (wait-group counters)

	schedMu sync.Mutex
	sched   *Scheduler
}

var nextID atomic.Int64

func newJourney(name string, sched *Scheduler, headless bool) *Journey {
	j := &Journey{
		id:       nextID.Inc(),
		name:     name,
		sched:    sched,
		headless: headless,
		wake:     make(chan struct{}, 1),
	}
	j.state.Store(flagEntered | flagEventsEnabled)
	return j
}

// Handle is the cancel/timeout capability returned by Spawn; it outlives
// the journey body and is the only way an external goroutine raises
// events against it.
type Handle struct {
	j *Journey
}

// Cancel raises a cancellation event against the journey.
func (h *Handle) Cancel() { h.j.raiseCancel() }

// Deadline arms a one-shot timer that raises a timeout event after ms
// milliseconds. The event is raised even if the journey's wait has
// already resolved by then; stopping the returned timer before it fires
// is the only thing that withdraws it.
func (h *Handle) Deadline(ms int64) *time.Timer {
	return time.AfterFunc(time.Duration(ms)*time.Millisecond, h.j.raiseTimedout)
}

// ID returns the journey's index, used in log lines (spec.md §6).
func (h *Handle) ID() int64 { return h.j.id }

// GoN spawns n journeys on sched at once, each running body with its
// index in [0, n) (the original's goN).
func GoN(sched *Scheduler, name string, n int, body func(j *Journey, i int)) []*Handle {
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		i := i
		handles[i] = Spawn(sched, name, func(j *Journey) { body(j, i) })
	}
	return handles
}

// Spawn creates and starts a new journey on the given scheduler, running
// body until it returns. Returns a handle usable to cancel or deadline
// it from any goroutine.
func Spawn(sched *Scheduler, name string, body func(j *Journey)) *Handle {
	j := newJourney(name, sched, false)
	createdCount.Inc()
	go func() {
		j.sched.acquire()
		logger.Debugf("[sched=%s worker journey=%d] entered", j.sched.Name(), j.id)
		defer func() {
			j.sched.release()
			destroyedCount.Inc()
			logger.Debugf("[sched=%s worker journey=%d] destroyed", j.sched.Name(), j.id)
		}()
		body(j)
	}()
	return &Handle{j: j}
}

// ID returns the journey's index.
func (j *Journey) ID() int64 { return j.id }

func (j *Journey) currentScheduler() *Scheduler {
	j.schedMu.Lock()
	defer j.schedMu.Unlock()
	return j.sched
}

// park suspends the calling goroutine at a quiescent point: it releases
// the current worker slot (unless headless), blocks for a wake signal,
// then re-acquires a slot on whatever scheduler the journey currently
// belongs to -- this is what makes Teleport take effect even when called
// concurrently with an in-flight wait.
func (j *Journey) park() {
	if !j.headless {
		j.currentScheduler().release()
	}
	<-j.wake
	if !j.headless {
		j.currentScheduler().acquire()
	}
}

func (j *Journey) wakeOnce() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journey) setFlag(flag uint64) {
	for {
		old := j.state.Load()
		next := old | flag
		if old == next || j.state.CAS(old, next) {
			return
		}
	}
}

func (j *Journey) clearFlag(flag uint64) {
	for {
		old := j.state.Load()
		next := old &^ flag
		if old == next || j.state.CAS(old, next) {
			return
		}
	}
}

func (j *Journey) raiseCancel() {
	j.setFlag(flagCancelled)
	j.wakeOnce()
}

func (j *Journey) raiseTimedout() {
	j.setFlag(flagTimedout)
	j.wakeOnce()
}

// DisableEvents brackets a region where raise events must not fire.
// Returns the previous enabled state, for nesting: restore it with
// RestoreEvents, or use Guard for a defer-friendly wrapper.
func (j *Journey) DisableEvents() bool {
	for {
		old := j.state.Load()
		was := stateWord(old).eventsEnabled()
		next := old &^ flagEventsEnabled
		if j.state.CAS(old, next) {
			return was
		}
	}
}

// EnableEvents re-enables event delivery unconditionally.
func (j *Journey) EnableEvents() { j.setFlag(flagEventsEnabled) }

// RestoreEvents re-enables events only if wasEnabled; pair with
// DisableEvents for a bracketed region.
func (j *Journey) RestoreEvents(wasEnabled bool) {
	if wasEnabled {
		j.EnableEvents()
	}
}

// Done marks the journey's current wait as satisfied. Safe to call from
// any goroutine (spec.md: "may be called from any thread").
func (j *Journey) Done() {
	for {
		old := j.state.Load()
		if stateWord(old).done() {
			return
		}
		next := old | flagDone
		if j.state.CAS(old, next) {
			break
		}
	}
	j.wakeOnce()
}

func (j *Journey) consumeRaiseEvent(cur stateWord) error {
	if !cur.eventsEnabled() {
		return nil
	}
	if cur.cancelled() {
		j.clearFlag(flagCancelled)
		return ErrCancelled
	}
	if cur.timedout() {
		j.clearFlag(flagTimedout)
		return ErrTimedout
	}
	return nil
}

// WaitForDone suspends the calling journey until Done() has been called.
// On resume, if a raise event is pending and events are enabled, it fails
// with ErrCancelled or ErrTimedout -- cancel dominates timeout. An
// already-done wait returns immediately without suspending (the
// empty-awaiter boundary case, spec.md §8).
func (j *Journey) WaitForDone() error {
	for {
		cur := stateWord(j.state.Load())
		if cur.done() {
			j.clearFlag(flagDone)
			return j.consumeRaiseEvent(cur)
		}
		j.park()
	}
}

// WaitForDoneDeadline is WaitForDone with a deadline; on expiry the wait
// fails with ErrTimedout unless it had already resolved.
func (j *Journey) WaitForDoneDeadline(ms int64) error {
	timer := time.AfterFunc(time.Duration(ms)*time.Millisecond, j.raiseTimedout)
	defer timer.Stop()
	for {
		cur := stateWord(j.state.Load())
		if cur.done() {
			j.clearFlag(flagDone)
			return j.consumeRaiseEvent(cur)
		}
		if cur.eventsEnabled() && cur.timedout() {
			return j.consumeRaiseEvent(cur)
		}
		j.park()
	}
}

// Reschedule yields the worker slot to let other ready journeys run, then
// resumes.
func (j *Journey) Reschedule() {
	if j.headless {
		runtime.Gosched()
		return
	}
	s := j.currentScheduler()
	s.release()
	runtime.Gosched()
	s.acquire()
}

// Teleport re-enqueues the journey on another scheduler. Idempotent if
// already on it.
func (j *Journey) Teleport(s *Scheduler) {
	j.schedMu.Lock()
	old := j.sched
	if old == s {
		j.schedMu.Unlock()
		return
	}
	j.schedMu.Unlock()

	if !j.headless {
		old.release()
		s.acquire()
	}
	j.schedMu.Lock()
	j.sched = s
	j.schedMu.Unlock()
}

// DoneHandle is a detachable capture of a journey's wait: later Acquire
// succeeds only if no raise event, and no newer DetachableDoneHandle
// capture, has intervened.
type DoneHandle struct {
	j                 *Journey
	counter           uint64
	eventsWereEnabled bool
}

// DetachableDoneHandle captures the current detachment generation and
// events-enabled bit, then bumps the generation so any handle captured
// before this point is superseded.
func (j *Journey) DetachableDoneHandle() DoneHandle {
	for {
		old := j.state.Load()
		next := old + counterUnit
		if j.state.CAS(old, next) {
			cur := stateWord(next)
			return DoneHandle{j: j, counter: cur.counter(), eventsWereEnabled: cur.eventsEnabled()}
		}
	}
}

// Acquire reports whether this handle is still the journey's current
// detachment generation, and that no raise event fired since capture
// (when the capturing journey had events enabled).
func (h DoneHandle) Acquire() bool {
	cur := stateWord(h.j.state.Load())
	if cur.counter() != h.counter {
		return false
	}
	if h.eventsWereEnabled && (cur.cancelled() || cur.timedout()) {
		return false
	}
	return true
}

// Release completes the wait this handle was captured for.
func (h DoneHandle) Release() {
	h.j.Done()
}
