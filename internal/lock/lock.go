// Package lock is the operation lock registry: in-memory, reference-counted
// advisory locks on (component, id) pairs.
//
// Editors hold a lock on (resourceType, site/resource) while the user edits
// offline data; the orchestrator skips a resource whose lock is held and
// itself holds (sync:<type>, site/resource) for the length of a sync pass.
// Locks are not persisted and are not shared across processes.
package lock

import (
	"context"
	"sync"
)

// SyncComponent returns the component name of the guard a sync pass holds
// for resources of the given type.
func SyncComponent(resourceType string) string {
	return "sync:" + resourceType
}

// Lock names one lockable (component, id) pair.
type Lock struct {
	Component string
	ID        string
}

type entry struct {
	count    int
	released chan struct{} // closed when count drops to zero
}

// Registry tracks held locks. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[Lock]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Lock]*entry)}
}

// Block takes one reference on (component, id) and returns a guard that
// drops it. Blocking an already blocked pair nests: the pair stays blocked
// until every reference is released.
func (r *Registry) Block(component, id string) *Guard {
	l := Lock{Component: component, ID: id}

	r.mu.Lock()
	r.acquire(l)
	r.mu.Unlock()

	return &Guard{registry: r, lock: l}
}

// TryBlock blocks target only if none of the locks in unless is held,
// checking and acquiring under one critical section.
func (r *Registry) TryBlock(target Lock, unless ...Lock) (*Guard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range unless {
		if _, held := r.entries[l]; held {
			return nil, false
		}
	}
	r.acquire(target)

	return &Guard{registry: r, lock: target}, true
}

// Unblock drops one reference on (component, id). Unblocking a pair that is
// not blocked is a no-op.
func (r *Registry) Unblock(component, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.release(Lock{Component: component, ID: id})
}

// IsBlocked reports whether (component, id) has at least one reference.
func (r *Registry) IsBlocked(component, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, held := r.entries[Lock{Component: component, ID: id}]
	return held
}

// Count returns the number of references held on (component, id).
func (r *Registry) Count(component, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[Lock{Component: component, ID: id}]; ok {
		return e.count
	}
	return 0
}

// Wait blocks until (component, id) is not blocked or ctx is done.
func (r *Registry) Wait(ctx context.Context, component, id string) error {
	for {
		r.mu.Lock()
		e, held := r.entries[Lock{Component: component, ID: id}]
		r.mu.Unlock()
		if !held {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.released:
			// Re-check: someone may have blocked it again.
		}
	}
}

// Do runs fn while holding (component, id). The lock is released when fn
// returns or panics.
func (r *Registry) Do(component, id string, fn func() error) error {
	g := r.Block(component, id)
	defer g.Release()
	return fn()
}

// acquire must be called with r.mu held.
func (r *Registry) acquire(l Lock) {
	e, ok := r.entries[l]
	if !ok {
		e = &entry{released: make(chan struct{})}
		r.entries[l] = e
	}
	e.count++
}

// release must be called with r.mu held.
func (r *Registry) release(l Lock) {
	e, ok := r.entries[l]
	if !ok {
		return
	}
	e.count--
	if e.count == 0 {
		delete(r.entries, l)
		close(e.released)
	}
}

// Guard is one held reference. Release is safe to call more than once; only
// the first call drops the reference.
type Guard struct {
	registry *Registry
	lock     Lock
	once     sync.Once
}

// Lock returns the pair this guard holds.
func (g *Guard) Lock() Lock {
	return g.lock
}

// Release drops the reference.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.registry.Unblock(g.lock.Component, g.lock.ID)
	})
}
