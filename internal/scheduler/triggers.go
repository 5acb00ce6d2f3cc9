package scheduler

import (
	"sync"

	"github.com/roach88/offsync/internal/model"
)

// TriggerKind names what asked for a sync.
type TriggerKind string

const (
	// TriggerForeground: the app returned to the foreground.
	TriggerForeground TriggerKind = "foreground"
	// TriggerOnline: connectivity came back.
	TriggerOnline TriggerKind = "online"
	// TriggerManual: pull-to-refresh, optionally for one resource.
	TriggerManual TriggerKind = "manual"
	// TriggerPeriodic: the background timer fired.
	TriggerPeriodic TriggerKind = "periodic"
)

// Trigger is a request for a sync run.
type Trigger struct {
	Kind TriggerKind
	// SiteID limits the run to one site. Empty means all sites.
	SiteID string
	// Resource, when set, limits a manual run to one resource.
	Resource *model.ResourceRef
}

// triggerQueue is a thread-safe FIFO queue of triggers.
//
// Anything may enqueue (connectivity callbacks, the UI); only the Run loop
// dequeues. The signal channel lets Run wait on the queue and a context at
// once.
type triggerQueue struct {
	mu       sync.Mutex
	triggers []Trigger
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		triggers: make([]Trigger, 0, 8),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds t to the back of the queue. Returns false if the queue is
// closed.
func (q *triggerQueue) Enqueue(t Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.triggers = append(q.triggers, t)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front trigger without blocking.
func (q *triggerQueue) TryDequeue() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return Trigger{}, false
	}
	t := q.triggers[0]
	q.triggers[0] = Trigger{}
	if len(q.triggers) == 1 {
		q.triggers = q.triggers[:0]
	} else {
		q.triggers = q.triggers[1:]
	}
	return t, true
}

// Wait returns a channel that receives when triggers may be available and
// is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}

// Close stops the queue accepting triggers and wakes the waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
