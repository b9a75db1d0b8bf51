package journey

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Scheduler is a queue-plus-threads pair that admits ready journeys.
// Admission is capped at threadCount concurrently-running journey bodies;
// with threadCount == 1 (the default used by the examples) every journey
// on this scheduler is guaranteed sequential consistency relative to
// every other journey on the same scheduler, per spec.md §5's ordering
// rule. Parallelism beyond that comes only from raising threadCount.
type Scheduler struct {
	name string
	sem  *semaphore.Weighted
	ctx  context.Context
}

// NewScheduler creates a scheduler backed by threadCount worker slots.
func NewScheduler(name string, threadCount int) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	return &Scheduler{
		name: name,
		sem:  semaphore.NewWeighted(int64(threadCount)),
		ctx:  context.Background(),
	}
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) acquire() {
	// the background context never cancels; Acquire only ever returns
	// once a slot is free.
	_ = s.sem.Acquire(s.ctx, 1)
}

func (s *Scheduler) release() {
	s.sem.Release(1)
}
