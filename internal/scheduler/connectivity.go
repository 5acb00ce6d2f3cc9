package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Connectivity is the device's online flag. It satisfies the orchestrator's
// Network interface and tells listeners about transitions.
type Connectivity struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewConnectivity creates a flag in the given state.
func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{}
	c.online.Store(online)
	return c
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	return c.online.Load()
}

// SetOnline updates the state. Listeners run synchronously, and only when
// the state actually changed. Returns whether it changed.
func (c *Connectivity) SetOnline(online bool) bool {
	if c.online.Swap(online) == online {
		return false
	}
	slog.Info("connectivity changed", "online", online)

	c.mu.Lock()
	listeners := make([]func(bool), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn to run on every transition.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
