package journey

import "sync"

// Cleanup is a registry of shutdown hooks run in reverse registration
// order: listeners cancel, transports disconnect, timers detach, wait
// groups drain with events disabled (spec.md §5). Components register a
// hook once, at construction, rather than reaching for a global at
// shutdown time.
type Cleanup struct {
	mu    sync.Mutex
	hooks []func()
}

var globalCleanup = &Cleanup{}

// Global returns the process-wide cleanup registry.
func Global() *Cleanup { return globalCleanup }

// Register appends a shutdown hook.
func (c *Cleanup) Register(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Run executes every registered hook in reverse registration order, then
// blocks until every spawned journey has been destroyed.
func (c *Cleanup) Run() {
	c.mu.Lock()
	hooks := make([]func(), len(c.hooks))
	copy(hooks, c.hooks)
	c.hooks = nil
	c.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	WaitQuiescent()
}
