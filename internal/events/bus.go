// Package events is the in-process event bus the sync engine uses to tell
// observers that offline data changed or a resource was synchronized.
//
// Delivery is synchronous, to the subscribers registered at the time of the
// trigger. There is no persistence and no replay for late subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/model"
)

// Event is one notification.
type Event struct {
	Name    string
	SiteID  string
	Payload any
}

// Handler receives events.
type Handler func(Event)

// AutoSyncedEvent names the event emitted after a sync pass of resourceType
// that changed something or produced warnings.
func AutoSyncedEvent(resourceType string) string {
	return resourceType + "-auto-synced"
}

// ChangedEvent names the event emitted when offline data of resourceType is
// queued, amended or removed.
func ChangedEvent(resourceType string) string {
	return resourceType + "-changed"
}

// AutoSynced is the payload of AutoSyncedEvent.
type AutoSynced struct {
	Resource   model.ResourceRef `json:"resource"`
	Updated    bool              `json:"updated"`
	Warnings   []string          `json:"warnings"`
	ResourceID string            `json:"resource_id,omitempty"`
}

// Change kinds carried by Changed.
const (
	ChangeQueued  = "queued"
	ChangeRemoved = "removed"
	ChangeRekeyed = "rekeyed"
)

// Changed is the payload of ChangedEvent.
type Changed struct {
	Key  model.Key `json:"key"`
	Kind string    `json:"kind"`
}

type subscriber struct {
	id      uint64
	siteID  string
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// On subscribes handler to events named name. A non-empty siteID restricts
// delivery to events triggered for that site; an empty siteID receives every
// event of that name.
func (b *Bus) On(name, siteID string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextID, siteID: siteID, handler: handler})

	return &Subscription{bus: b, name: name, id: b.nextID}
}

// Trigger delivers an event to every matching subscriber, in subscription
// order, before returning. A panicking handler is logged and does not stop
// delivery to the others.
func (b *Bus) Trigger(name string, payload any, siteID string) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	e := Event{Name: name, SiteID: siteID, Payload: payload}
	for _, s := range subs {
		if s.siteID != "" && s.siteID != siteID {
			continue
		}
		deliver(s.handler, e)
	}
}

// Subscribers returns the number of subscriptions for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) off(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", e.Name, "site", e.SiteID, "panic", r)
		}
	}()
	h(e)
}

// Subscription is returned by On.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
	once sync.Once
}

// Off stops delivery. Safe to call more than once.
func (s *Subscription) Off() {
	s.once.Do(func() {
		s.bus.off(s.name, s.id)
	})
}
