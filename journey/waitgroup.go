package journey

import (
	"sync"

	"go.uber.org/atomic"
)

// WaitGroup tracks a set of child journeys spawned on behalf of a parent.
// Waiting on it is cancel-propagating: if the parent's own wait is
// cancelled or times out while children are still running, every child
// handle is cancelled and the wait group re-drains with events disabled
// so the parent never returns while a child is still unwinding
// (spec.md §4.1).
type WaitGroup struct {
	parent *Journey
	sched  *Scheduler

	mu      sync.Mutex
	handles []*Handle

	counter *Journey // headless; used only as a done-latch
	n       atomic.Int64
}

// NewWaitGroup creates a wait group whose children run on sched and whose
// Wait call is itself a suspension point on parent.
func NewWaitGroup(parent *Journey, sched *Scheduler) *WaitGroup {
	return &WaitGroup{
		parent:  parent,
		sched:   sched,
		counter: newJourney("waitgroup-counter", nil, true),
	}
}

// Go spawns a child journey tracked by this group.
func (w *WaitGroup) Go(body func(j *Journey)) {
	w.n.Inc()
	h := Spawn(w.sched, "waitgroup-child", func(j *Journey) {
		defer w.childDone()
		body(j)
	})
	w.mu.Lock()
	w.handles = append(w.handles, h)
	w.mu.Unlock()
}

func (w *WaitGroup) childDone() {
	if w.n.Dec() == 0 {
		w.counter.Done()
	}
}

func (w *WaitGroup) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.handles {
		h.Cancel()
	}
}

// Wait suspends the parent until every spawned child has returned. If the
// parent's wait is itself cancelled or times out before all children
// finish, every outstanding child is cancelled and Wait blocks (with the
// parent's events disabled) until they have actually drained, then
// returns the original raise error.
func (w *WaitGroup) Wait() error {
	if w.n.Load() == 0 {
		return nil
	}
	err := w.counter.WaitForDone()
	if err == nil {
		return nil
	}
	w.cancelAll()
	guard := w.parent.Guard()
	defer guard.Release()
	_ = w.counter.WaitForDone()
	return err
}

// WaitForAll spawns each of bodies as a child of parent on sched and
// waits for every one of them, with the same cancel-propagating drain
// as WaitGroup.Wait (the original's waitForAll/Awaiter helper).
func WaitForAll(parent *Journey, sched *Scheduler, bodies ...func(j *Journey)) error {
	wg := NewWaitGroup(parent, sched)
	for _, body := range bodies {
		wg.Go(body)
	}
	return wg.Wait()
}
