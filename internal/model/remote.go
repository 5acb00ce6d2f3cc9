package model

import (
	"context"
	"time"
)

// RemoteStatus classifies the outcome of replaying a mutation remotely.
type RemoteStatus int

const (
	// RemoteApplied: the remote system accepted the write.
	RemoteApplied RemoteStatus = iota + 1
	// RemoteConflict: the remote resource changed past the offline baseline.
	RemoteConflict
	// RemoteTransient: network failure or timeout; retry later.
	RemoteTransient
	// RemoteRejected: the remote system refused the write (validation error).
	RemoteRejected
)

func (s RemoteStatus) String() string {
	switch s {
	case RemoteApplied:
		return "applied"
	case RemoteConflict:
		return "conflict"
	case RemoteTransient:
		return "transient"
	case RemoteRejected:
		return "rejected"
	}
	return "unknown"
}

// RemoteResult is returned by Syncable.ApplyMutation. Every branch the
// orchestrator handles is a visible Status value rather than an error type
// discovered in a catch-all.
type RemoteResult struct {
	Status RemoteStatus

	// NewID is the server id of a created item. Used to re-key local
	// references when the mutation's instance key was a placeholder.
	NewID string

	// ModifiedAt is the remote last-modified time after the write, if the
	// remote system reports it.
	ModifiedAt time.Time

	// Err carries the failure for every status except RemoteApplied.
	Err error

	// SafeToRetry is meaningful for RemoteRejected only: true when the
	// mutation may be left pending for the user to fix and resubmit.
	SafeToRetry bool
}

// Applied builds a successful RemoteResult.
func Applied(newID string, modifiedAt time.Time) RemoteResult {
	return RemoteResult{Status: RemoteApplied, NewID: newID, ModifiedAt: modifiedAt}
}

// ResultFromError classifies err into a RemoteResult. Errors without a
// recognizable SyncError code are treated as transient so nothing is
// discarded on an error the engine cannot classify.
func ResultFromError(err error) RemoteResult {
	if err == nil {
		return RemoteResult{Status: RemoteApplied}
	}
	switch {
	case IsConflict(err):
		return RemoteResult{Status: RemoteConflict, Err: err}
	case IsRejected(err):
		return RemoteResult{Status: RemoteRejected, Err: err, SafeToRetry: IsSafeToRetry(err)}
	}
	return RemoteResult{Status: RemoteTransient, Err: err}
}

// StagedFile is a file held in the staging area for a pending mutation.
type StagedFile struct {
	// Name is the original filename.
	Name string `json:"name"`
	// Path is the staged copy on local disk.
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Syncable is implemented by each resource module ("glossary-entry",
// "forum-reply", ...) and registered with the engine at startup.
type Syncable interface {
	// ResourceType names the resource type this module handles. It must be
	// declared in the catalog.
	ResourceType() string

	// ApplyMutation replays m remotely. attachmentIDs holds the ids returned
	// by UploadAttachments, or nil when m has no attachments.
	ApplyMutation(ctx context.Context, m PendingMutation, attachmentIDs []string) RemoteResult

	// RemoteLastModified fetches the authoritative last-modified marker of
	// the resource. Zero means the resource does not exist remotely.
	RemoteLastModified(ctx context.Context, ref ResourceRef) (time.Time, error)

	// UploadAttachments sends staged files and returns their remote ids.
	// Failures should be returned as SyncError values (Transient/Rejected).
	UploadAttachments(ctx context.Context, m PendingMutation, files []StagedFile) ([]string, error)
}

// LocalModifiedSource is implemented by modules that cache the last-known
// remote modification time themselves. It supplies the conflict baseline for
// mutations queued without one.
type LocalModifiedSource interface {
	LocalLastModified(ctx context.Context, ref ResourceRef) (time.Time, error)
}

// Rekeyer is implemented by modules that keep their own references to
// placeholder ids and need to follow a re-key.
type Rekeyer interface {
	Rekey(ctx context.Context, siteID, oldKey, newKey string) error
}

// Invalidator is implemented by modules that keep their own read caches.
type Invalidator interface {
	Invalidate(ctx context.Context, ref ResourceRef) error
}
