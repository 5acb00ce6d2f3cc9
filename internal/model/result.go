package model

import "fmt"

// Outcome is the terminal state of one sync pass over a resource.
type Outcome string

const (
	// OutcomeNoOp: nothing was pending; the network was not touched.
	OutcomeNoOp Outcome = "noop"
	// OutcomeSuccess: every pending mutation was applied or discarded.
	OutcomeSuccess Outcome = "success"
	// OutcomePartialFailure: at least one mutation is still pending.
	OutcomePartialFailure Outcome = "partial_failure"
	// OutcomeBlocked: the resource is locked by an active edit; retried later.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeDeferred: the device is offline; nothing was attempted.
	OutcomeDeferred Outcome = "deferred"
)

// SyncResult is produced by every sync pass. It is returned and broadcast,
// never persisted.
type SyncResult struct {
	Resource ResourceRef `json:"resource"`
	Outcome  Outcome     `json:"outcome"`
	Updated  bool        `json:"updated"`
	Warnings []string    `json:"warnings"`

	Applied   []Key `json:"applied,omitempty"`
	Conflicts []Key `json:"conflicts,omitempty"`
	Discarded []Key `json:"discarded,omitempty"`

	// ResourceID is the server id assigned when the pass created the resource
	// that ResourceKey was a placeholder for.
	ResourceID string `json:"resource_id,omitempty"`

	// Remaining is the number of mutations still queued after the pass.
	Remaining int `json:"remaining"`
}

// NewSyncResult returns an empty result for ref.
func NewSyncResult(ref ResourceRef) *SyncResult {
	return &SyncResult{
		Resource: ref,
		Warnings: []string{},
	}
}

// Warn appends a formatted warning.
func (r *SyncResult) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Changed reports whether the pass did anything observers should hear about.
func (r *SyncResult) Changed() bool {
	return r.Updated || len(r.Warnings) > 0 || len(r.Discarded) > 0
}

// Summarize folds several results into the (updated, warnings) pair the
// presentation layer shows after a multi-resource sync.
func Summarize(results []*SyncResult) (updated bool, warnings []string) {
	warnings = []string{}
	for _, r := range results {
		if r == nil {
			continue
		}
		updated = updated || r.Updated
		warnings = append(warnings, r.Warnings...)
	}
	return updated, warnings
}
