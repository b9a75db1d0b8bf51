package journey

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestWaitForDoneImmediate(t *testing.T) {
	sched := NewScheduler("test", 4)
	done := make(chan error, 1)
	Spawn(sched, "waiter", func(j *Journey) {
		j.Done() // already satisfied before any wait begins
		done <- j.WaitForDone()
	})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for journey")
	}
}

func TestWaitForDoneParkThenDone(t *testing.T) {
	sched := NewScheduler("test", 4)
	result := make(chan error, 1)
	var h *Handle
	started := make(chan struct{})
	h = Spawn(sched, "waiter", func(j *Journey) {
		close(started)
		result <- j.WaitForDone()
	})
	<-started
	time.Sleep(10 * time.Millisecond)
	h.j.Done()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestCancelDominatesTimeout(t *testing.T) {
	sched := NewScheduler("test", 1)
	result := make(chan error, 1)
	started := make(chan struct{})
	h := Spawn(sched, "waiter", func(j *Journey) {
		close(started)
		result <- j.WaitForDone()
	})
	<-started
	h.j.raiseTimedout()
	h.j.raiseCancel()
	h.j.Done()

	err := <-result
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestEventsDisabledSuppressesRaise(t *testing.T) {
	sched := NewScheduler("test", 1)
	result := make(chan error, 1)
	started := make(chan struct{})
	h := Spawn(sched, "waiter", func(j *Journey) {
		guard := j.Guard()
		defer guard.Release()
		close(started)
		result <- j.WaitForDone()
	})
	<-started
	h.Cancel()
	h.j.Done()

	err := <-result
	assert.NoError(t, err)
}

func TestDetachableDoneHandleSupersededByNewCapture(t *testing.T) {
	sched := NewScheduler("test", 1)
	var first, second DoneHandle
	captured := make(chan struct{})
	Spawn(sched, "owner", func(j *Journey) {
		first = j.DetachableDoneHandle()
		second = j.DetachableDoneHandle()
		close(captured)
	})
	<-captured
	assert.False(t, first.Acquire())
	assert.True(t, second.Acquire())
}

func TestDetachableDoneHandleRevokedByCancel(t *testing.T) {
	sched := NewScheduler("test", 1)
	var handle DoneHandle
	captured := make(chan struct{})
	h := Spawn(sched, "owner", func(j *Journey) {
		handle = j.DetachableDoneHandle()
		close(captured)
		// park until externally released or cancelled
		_ = j.WaitForDone()
	})
	<-captured
	h.Cancel()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, handle.Acquire())
}

func TestWaitGroupDrainsOnCancel(t *testing.T) {
	sched := NewScheduler("test", 4)
	childStarted := make(chan struct{})
	childCancelled := make(chan struct{})
	parentErr := make(chan error, 1)

	Spawn(sched, "parent", func(j *Journey) {
		wg := NewWaitGroup(j, sched)
		wg.Go(func(child *Journey) {
			close(childStarted)
			err := child.WaitForDone()
			if err != nil {
				close(childCancelled)
			}
		})
		<-childStarted
		parentErr <- wg.Wait()
	})

	select {
	case <-childCancelled:
	case <-time.After(time.Second):
		t.Fatal("child was never cancelled")
	}
}

func TestGoNSpawnsDistinctIndices(t *testing.T) {
	sched := NewScheduler("test", 4)
	var mu sync.Mutex
	seen := make(map[int]bool)
	const n = 5
	done := make(chan struct{}, n)
	GoN(sched, "goN", n, func(j *Journey, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		done <- struct{}{}
	})
	for i := 0; i < n; i++ {
		<-done
	}
	assert.Len(t, seen, n)
}

func TestWaitForAllWaitsOnEveryChild(t *testing.T) {
	sched := NewScheduler("test", 4)
	var count atomic.Int64
	result := make(chan error, 1)
	Spawn(sched, "parent", func(j *Journey) {
		result <- WaitForAll(j, sched,
			func(child *Journey) { count.Inc() },
			func(child *Journey) { count.Inc() },
			func(child *Journey) { count.Inc() },
		)
	})
	select {
	case err := <-result:
		require.NoError(t, err)
		assert.EqualValues(t, 3, count.Load())
	case <-time.After(time.Second):
		t.Fatal("WaitForAll never returned")
	}
}

func TestTeleportMovesSchedulerSlot(t *testing.T) {
	a := NewScheduler("a", 1)
	b := NewScheduler("b", 1)
	moved := make(chan struct{})
	Spawn(a, "traveler", func(j *Journey) {
		j.Teleport(b)
		close(moved)
	})
	select {
	case <-moved:
	case <-time.After(time.Second):
		t.Fatal("teleport did not complete")
	}
}
