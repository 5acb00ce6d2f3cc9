// Package pending is the offline queue: the single path through which
// pending mutations and their staged files are written and deleted.
//
// Writes stage files first and save the record second, so an interrupted
// enqueue never leaves a record pointing at files that do not exist.
// Deletions remove the record first and the files second, for the same
// reason.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/catalog"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/staging"
	"github.com/roach88/offsync/internal/store"
)

// Request describes one offline write.
type Request struct {
	// Key identifies the item. InstanceKey may be empty for additive
	// actions; a placeholder is generated then.
	Key     model.Key
	Action  model.Action
	Payload model.Payload

	// Files replaces the staged attachments of the item. An amendment with
	// no files clears previously staged ones.
	Files []staging.Source

	// Baseline is the remote last-modified time the user edited against.
	// Zero uses the read cache's last known value, if any.
	Baseline time.Time
}

// Queue is the offline queue facade over the store and the staging area.
type Queue struct {
	store   *store.Store
	staging *staging.Area
	catalog *catalog.Catalog
	cache   *cache.Cache
	bus     *events.Bus
	clock   model.Clock
	ids     IDGenerator
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for created/modified stamps.
func WithClock(c model.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator sets the generator of mutation ids and placeholders.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithCache sets the read cache consulted for baselines.
func WithCache(c *cache.Cache) Option {
	return func(q *Queue) { q.cache = c }
}

// WithBus sets the bus that receives change events.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// New creates a queue. Defaults: system clock, UUIDv7 ids, no cache, no bus.
func New(s *store.Store, area *staging.Area, cat *catalog.Catalog, opts ...Option) *Queue {
	q := &Queue{
		store:   s,
		staging: area,
		catalog: cat,
		clock:   model.SystemClock{},
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Catalog returns the catalog requests are validated against.
func (q *Queue) Catalog() *catalog.Catalog {
	return q.catalog
}

// Enqueue stores an offline write. A request for a key that already has a
// pending mutation amends it: the record keeps its id and creation time and
// takes the new action, payload and files.
//
// Amending a pending create keeps it a create. Deleting an item that only
// exists as a pending create removes that create instead of queueing a
// delete; the returned mutation then has an empty ID.
func (q *Queue) Enqueue(ctx context.Context, req Request) (model.PendingMutation, error) {
	if err := req.Key.Resource().Validate(); err != nil {
		return model.PendingMutation{}, fmt.Errorf("enqueue: %w", err)
	}
	spec, err := q.catalog.Action(req.Key.ResourceType, req.Action)
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("enqueue: %w", err)
	}

	key := req.Key
	if key.InstanceKey == "" {
		if !spec.Additive {
			return model.PendingMutation{}, fmt.Errorf("enqueue %s %s: instance key is required", key.ResourceType, req.Action)
		}
		key.InstanceKey = model.NewPlaceholder(q.ids.Generate())
	}

	baseline := req.Baseline
	if baseline.IsZero() && q.cache != nil {
		baseline, _ = q.cache.LastKnownModified(key.Resource())
	}

	existing, err := q.store.Get(ctx, key)
	amend := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.PendingMutation{}, fmt.Errorf("enqueue: %w", err)
	}

	action := req.Action
	if amend && existing.Action == model.ActionCreate {
		switch action {
		case model.ActionUpdate:
			// Still unsent: the item is created with the edited content.
			action = model.ActionCreate
		case model.ActionDelete:
			if _, err := q.Remove(ctx, key); err != nil {
				return model.PendingMutation{}, fmt.Errorf("enqueue: %w", err)
			}
			slog.Debug("offline create cancelled", "key", key.String())
			return model.PendingMutation{Key: key, Action: model.ActionDelete}, nil
		}
	}

	ref, err := q.staging.Stage(key, req.Files)
	if err != nil {
		return model.PendingMutation{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	now := q.clock.Now()
	m := model.PendingMutation{
		ID:             existing.ID,
		Key:            key,
		Action:         action,
		Payload:        req.Payload.Clone(),
		AttachmentsRef: ref,
		Baseline:       baseline,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if !amend {
		m.ID = q.ids.Generate()
	}

	saved, err := q.store.Save(ctx, m)
	if err != nil {
		if !amend {
			if clearErr := q.staging.Clear(key); clearErr != nil {
				slog.Warn("failed to clear staged files after failed enqueue", "key", key.String(), "error", clearErr)
			}
		}
		return model.PendingMutation{}, fmt.Errorf("enqueue %s: %w", key, err)
	}

	slog.Debug("mutation queued",
		"key", key.String(),
		"action", string(saved.Action),
		"amend", amend,
		"files", len(req.Files),
	)
	q.emitChanged(key, events.ChangeQueued)

	return saved, nil
}

// Remove deletes a pending mutation and its staged files. Returns false
// when there was nothing to delete. The sync orchestrator and Discard both
// delete through here.
func (q *Queue) Remove(ctx context.Context, key model.Key) (bool, error) {
	deleted, err := q.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", key, err)
	}

	// The record is gone; leftover files are unreachable but harmless.
	if err := q.staging.Clear(key); err != nil {
		slog.Warn("failed to clear staged files", "key", key.String(), "error", err)
	}

	if deleted {
		q.emitChanged(key, events.ChangeRemoved)
	}
	return deleted, nil
}

// Discard abandons a pending mutation at the user's request.
// Returns model.ErrNotFound if nothing is pending for key.
func (q *Queue) Discard(ctx context.Context, key model.Key) error {
	deleted, err := q.Remove(ctx, key)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("discard %s: %w", key, model.ErrNotFound)
	}
	slog.Info("pending mutation discarded", "key", key.String())
	return nil
}

// Get returns the pending mutation for key.
func (q *Queue) Get(ctx context.Context, key model.Key) (model.PendingMutation, error) {
	return q.store.Get(ctx, key)
}

// Pending lists pending mutations matching f in creation order.
func (q *Queue) Pending(ctx context.Context, f model.Filter) ([]model.PendingMutation, error) {
	return q.store.List(ctx, f)
}

// Count returns the number of pending mutations matching f.
func (q *Queue) Count(ctx context.Context, f model.Filter) (int, error) {
	return q.store.Count(ctx, f)
}

// HasOfflineData reports whether ref has unsent work. Views use it to warn
// before showing remote data that is about to be overwritten.
func (q *Queue) HasOfflineData(ctx context.Context, ref model.ResourceRef) (bool, error) {
	return q.store.HasAny(ctx, ref)
}

// Resources lists resources with pending work, oldest first. Empty siteID
// or resourceType match anything.
func (q *Queue) Resources(ctx context.Context, siteID, resourceType string) ([]model.ResourceRef, error) {
	return q.store.Resources(ctx, siteID, resourceType)
}

// Sites lists sites with pending work.
func (q *Queue) Sites(ctx context.Context) ([]string, error) {
	return q.store.Sites(ctx)
}

// StagedFiles returns the files staged for m.
func (q *Queue) StagedFiles(m model.PendingMutation) ([]model.StagedFile, error) {
	if m.AttachmentsRef == "" {
		return nil, nil
	}
	return q.staging.Get(m.Key)
}

// Rekey moves every pending mutation of siteID filed under oldKey to newKey,
// staged files included. Called once a resource created offline under a
// placeholder has its server id. Returns the new keys.
func (q *Queue) Rekey(ctx context.Context, siteID, oldKey, newKey string) ([]model.Key, error) {
	moved, err := q.store.RekeyResource(ctx, siteID, oldKey, newKey)
	if err != nil {
		return nil, fmt.Errorf("rekey %s -> %s: %w", oldKey, newKey, err)
	}

	rekeyed := make([]model.Key, 0, len(moved))
	for _, from := range moved {
		to := from
		to.ResourceKey = newKey

		ref, err := q.staging.Move(from, to)
		if err != nil {
			return nil, fmt.Errorf("rekey %s: %w", from, err)
		}
		if ref != "" {
			if err := q.store.SetAttachmentsRef(ctx, to, ref); err != nil {
				return nil, fmt.Errorf("rekey %s: %w", from, err)
			}
		}
		if q.cache != nil {
			q.cache.InvalidateResource(from.Resource())
		}

		rekeyed = append(rekeyed, to)
		q.emitChanged(to, events.ChangeRekeyed)
	}

	if len(rekeyed) > 0 {
		slog.Info("pending mutations re-keyed",
			"site", siteID,
			"from", oldKey,
			"to", newKey,
			"count", len(rekeyed),
		)
	}
	return rekeyed, nil
}

// AdvanceBaseline raises the conflict baseline of ref's pending mutations
// to t after the sync pass itself wrote to the resource.
func (q *Queue) AdvanceBaseline(ctx context.Context, ref model.ResourceRef, t time.Time) error {
	if _, err := q.store.AdvanceBaseline(ctx, ref, t); err != nil {
		return fmt.Errorf("advance baseline %s: %w", ref, err)
	}
	return nil
}

// FillBaseline records t as the conflict baseline of ref's pending
// mutations that were queued without one.
func (q *Queue) FillBaseline(ctx context.Context, ref model.ResourceRef, t time.Time) error {
	if _, err := q.store.FillBaseline(ctx, ref, t); err != nil {
		return fmt.Errorf("fill baseline %s: %w", ref, err)
	}
	return nil
}

// PurgeSite removes all of a site's pending work, used when an account is
// removed from the device. Returns the number of mutations removed.
func (q *Queue) PurgeSite(ctx context.Context, siteID string) (int64, error) {
	if siteID == "" {
		return 0, errors.New("purge site: site id is required")
	}

	removed, err := q.store.DeleteSite(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("purge site %s: %w", siteID, err)
	}
	if err := q.staging.ClearSite(siteID); err != nil {
		return removed, fmt.Errorf("purge site %s: %w", siteID, err)
	}
	if q.cache != nil {
		q.cache.InvalidateSite(siteID)
	}

	slog.Info("site purged", "site", siteID, "removed", removed)
	return removed, nil
}

// SyncTime returns when ref was last synchronized.
func (q *Queue) SyncTime(ctx context.Context, ref model.ResourceRef) (time.Time, error) {
	return q.store.SyncTime(ctx, ref)
}

// SetSyncTime records a finished sync pass for ref.
func (q *Queue) SetSyncTime(ctx context.Context, ref model.ResourceRef, t time.Time) error {
	return q.store.SetSyncTime(ctx, ref, t)
}

func (q *Queue) emitChanged(key model.Key, kind string) {
	if q.bus == nil {
		return
	}
	q.bus.Trigger(events.ChangedEvent(key.ResourceType), events.Changed{Key: key, Kind: kind}, key.SiteID)
}
