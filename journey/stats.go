package journey

import (
	"time"

	"go.uber.org/atomic"
)

var (
	createdCount   atomic.Int64
	destroyedCount atomic.Int64
)

// Created returns the total number of journeys ever spawned, this process.
func Created() int64 { return createdCount.Load() }

// Destroyed returns the total number of journeys whose body has returned.
func Destroyed() int64 { return destroyedCount.Load() }

// WaitQuiescent blocks until every spawned journey has returned. Used
// after the cleanup registry has run, so shutdown doesn't proceed while a
// cancelled journey is still unwinding through its scoped-release hooks
// (spec.md §5).
func WaitQuiescent() {
	for Created() != Destroyed() {
		time.Sleep(time.Millisecond)
	}
}
