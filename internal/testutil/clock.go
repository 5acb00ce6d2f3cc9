package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a ManualClock: 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a wall clock that only moves when told to.
//
// With a non-zero step, every Now() call returns the current time and then
// advances it by step, so consecutive stamps are distinct and ordered. This
// keeps created_at ordering and golden traces deterministic.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock at start that advances by step per read.
// A zero start uses Epoch.
func NewManualClock(start time.Time, step time.Duration) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start.Truncate(time.Millisecond), step: step}
}

// Now returns the current time and advances the clock by the step.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *ManualClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.Truncate(time.Millisecond)
}
