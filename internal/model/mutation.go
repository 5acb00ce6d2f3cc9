package model

import "time"

// Action is the kind of write a pending mutation replays.
// Resources may define custom actions ("rate", "move") beyond the built-ins.
type Action string

// Built-in action kinds.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsBuiltin reports whether a is one of create, update or delete.
func (a Action) IsBuiltin() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Payload is opaque resource-defined data carried by a mutation.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value of key if it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// PendingMutation is a user write queued locally until it can be replayed
// against the remote system.
type PendingMutation struct {
	// ID is the row identity (UUIDv7); stable across amendments.
	ID string `json:"id"`

	Key     Key     `json:"key"`
	Action  Action  `json:"action"`
	Payload Payload `json:"payload"`

	// AttachmentsRef points into the file staging area. Empty when the
	// mutation has no attachments.
	AttachmentsRef string `json:"attachments_ref,omitempty"`

	// Baseline is the remote last-modified time the offline edit was based on.
	// Zero means unknown, which disables the conflict check.
	Baseline time.Time `json:"baseline"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Seq is assigned by the store on first insert and breaks ties between
	// mutations created in the same millisecond.
	Seq int64 `json:"seq"`
}

// Filter selects pending mutations. Empty fields match anything.
type Filter struct {
	SiteID       string
	ResourceType string
	ResourceKey  string
}

// ForResource returns a filter matching exactly one resource.
func ForResource(ref ResourceRef) Filter {
	return Filter{
		SiteID:       ref.SiteID,
		ResourceType: ref.ResourceType,
		ResourceKey:  ref.ResourceKey,
	}
}
