// Package kvapp is a tiny replicated key/value store built on replob,
// the example application the runtime is exercised with. It mirrors
// the source's KV struct: set always goes through the log, get can
// either read the local replica directly (cheap, possibly stale) or
// go through the log for a linearizable read (spec.md §4.2's example
// singleton).
package kvapp

import (
	"sync"

	"github.com/gridem/replob/journey"
	"github.com/gridem/replob/replob"
	"github.com/gridem/replob/wire"
)

// KV is the replicated singleton: every node's handler applies the
// same sequence of Set commands in the same order, so every node's map
// converges to the same contents (spec.md §4.2, I1).
type KV struct {
	mu sync.RWMutex
	m  map[string]string
}

// New builds a KV bound to r.
func New(r *replob.Replob) *KV {
	kv := &KV{m: make(map[string]string)}
	r.RegisterHandler(wire.TagKVSet, kv.applySet)
	r.RegisterHandler(wire.TagKVGet, kv.applyGet)
	return kv
}

// Set replicates key=value. Fire-and-forget: callers that need to know
// it has applied locally should follow with GetSync.
func (kv *KV) Set(r *replob.Replob, key, value string) {
	r.Apply(wire.KVSetCommand{Key: key, Value: value, HasValue: true})
}

// Delete replicates the removal of key.
func (kv *KV) Delete(r *replob.Replob, key string) {
	r.Apply(wire.KVSetCommand{Key: key, HasValue: false})
}

// GetLocal reads the local replica directly, without going through the
// log: cheap, but may observe a write that is still in flight on other
// nodes (the source's replobLocal<KV>().get()).
func (kv *KV) GetLocal(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.m[key]
	return v, ok
}

// ForEach iterates the local replica's current contents (the source's
// replobLocal<KV>().forEach()). f must not call back into kv.
func (kv *KV) ForEach(f func(key, value string)) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	for k, v := range kv.m {
		f(k, v)
	}
}

// GetSync proposes a KVGetCommand and suspends caller until it has
// applied on this node, then returns the value observed at that point
// in the log -- a linearizable read (the source's replob<KV>().get()).
func (kv *KV) GetSync(caller *journey.Journey, r *replob.Replob, key string) (string, bool, error) {
	cmd := &wire.KVGetCommand{Key: key}
	if err := r.ApplySync(caller, cmd); err != nil {
		return "", false, err
	}
	return cmd.Value, cmd.Found, nil
}

func (kv *KV) applySet(cmd wire.AppCommand) {
	sc := cmd.(wire.KVSetCommand)
	kv.mu.Lock()
	if sc.HasValue {
		kv.m[sc.Key] = sc.Value
	} else {
		delete(kv.m, sc.Key)
	}
	kv.mu.Unlock()
}

func (kv *KV) applyGet(cmd wire.AppCommand) {
	gc := cmd.(*wire.KVGetCommand)
	kv.mu.RLock()
	v, ok := kv.m[gc.Key]
	kv.mu.RUnlock()
	gc.Found = ok
	gc.Value = v
}
