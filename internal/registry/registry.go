// Package registry provides the synchronized map used for live sessions,
// peers and viewers.
package registry

import "sync"

// Registry is a concurrency-safe keyed collection. Iteration happens over
// a snapshot so callers never hold the lock while doing I/O.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Add inserts v under k. It returns false and leaves the registry
// unchanged if k is already present.
func (r *Registry[K, V]) Add(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[k]; exists {
		return false
	}
	r.items[k] = v
	return true
}

// Set inserts or replaces the value under k.
func (r *Registry[K, V]) Set(k K, v V) {
	r.mu.Lock()
	r.items[k] = v
	r.mu.Unlock()
}

// Get returns the value under k.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[k]
	return v, ok
}

// Remove deletes k and returns the removed value.
func (r *Registry[K, V]) Remove(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[k]
	if ok {
		delete(r.items, k)
	}
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns a copy of the current values in unspecified order.
func (r *Registry[K, V]) Snapshot() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}

// Keys returns a copy of the current keys in unspecified order.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]K, 0, len(r.items))
	for k := range r.items {
		out = append(out, k)
	}
	return out
}

// Drain removes and returns every value.
func (r *Registry[K, V]) Drain() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]V, 0, len(r.items))
	for k, v := range r.items {
		out = append(out, v)
		delete(r.items, k)
	}
	return out
}
