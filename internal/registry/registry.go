// Package registry implements the process-wide weak maps the engine needs:
// a paper-identity -> paper registry and a (paper, codelet-path) -> running
// codelet registry (spec.md §4.9). Entries are held via weak.Pointer so that
// a paper or codelet dropped without an explicit Close/finish does not leak
// here; Register is still paired with an explicit Unregister on the normal
// close/completion path for prompt cleanup.
package registry

import (
	"sync"
	"weak"
)

// Registry is a generic, process-wide, identity-keyed weak map.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]weak.Pointer[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]weak.Pointer[T])}
}

// Register records v under key, replacing any previous entry.
func (r *Registry[T]) Register(key string, v *T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = weak.Make(v)
}

// Lookup returns the value registered under key, if it is still live.
func (r *Registry[T]) Lookup(key string) (*T, bool) {
	r.mu.RLock()
	wp, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil {
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()
		return nil, false
	}
	return v, true
}

// Unregister removes key immediately, regardless of liveness.
func (r *Registry[T]) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Len returns the number of live entries, pruning dead ones as a side
// effect. Intended for tests verifying no leaks across close.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, wp := range r.entries {
		if wp.Value() == nil {
			delete(r.entries, k)
			continue
		}
		n++
	}
	return n
}
