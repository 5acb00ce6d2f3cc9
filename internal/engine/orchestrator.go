package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/catalog"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/lock"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pending"
)

// Mutation results reported to metrics.
const (
	resultApplied      = "applied"
	resultConflict     = "conflict"
	resultTransient    = "transient"
	resultKept         = "rejected_kept"
	resultDiscarded    = "rejected_discarded"
	resultUploadFailed = "upload_failed"
)

// ErrNotRegistered is returned when a resource type has pending work but no
// module was registered to sync it.
var ErrNotRegistered = errors.New("no module registered for resource type")

// Network reports connectivity.
type Network interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Orchestrator runs sync passes. It holds no per-resource state between
// passes; coalescing concurrent requests is the scheduler's job.
type Orchestrator struct {
	queue   *pending.Queue
	modules *Registry
	locks   *lock.Registry
	cache   *cache.Cache
	bus     *events.Bus
	network Network
	clock   model.Clock
	metrics *metrics.Sync
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNetwork sets the connectivity source. Default: always online.
func WithNetwork(n Network) Option {
	return func(o *Orchestrator) {
		o.network = n
	}
}

// WithCache sets the read cache invalidated after each pass.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

// WithBus sets the bus auto-synced events are emitted on.
func WithBus(b *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = b
	}
}

// WithClock sets the clock used for sync times.
func WithClock(c model.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithMetrics sets the metrics passes are recorded in.
func WithMetrics(m *metrics.Sync) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an orchestrator over queue, syncing through the modules in
// reg and honouring locks held in locks.
func New(queue *pending.Queue, reg *Registry, locks *lock.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:   queue,
		modules: reg,
		locks:   locks,
		network: alwaysOnline{},
		clock:   model.SystemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Queue returns the pending queue the orchestrator drains.
func (o *Orchestrator) Queue() *pending.Queue {
	return o.queue
}

// Online reports whether the orchestrator's network is up.
func (o *Orchestrator) Online() bool {
	return o.network.Online()
}

// pass is the state of one sync pass over one resource.
type pass struct {
	ref    model.ResourceRef
	module model.Syncable
	result *model.SyncResult

	// fallback is the baseline for mutations queued without one.
	fallback time.Time
	// written is the remote marker left by this pass's own writes.
	written time.Time
	// unknownWrite is set when a write succeeded but its marker is unknown.
	unknownWrite bool
	// seen is the newest remote marker observed.
	seen time.Time

	transient bool
}

func (p *pass) observe(t time.Time) {
	if t.After(p.seen) {
		p.seen = t
	}
}

// SyncResource runs one sync pass over ref.
//
// The returned error is non-nil only for local failures (storage, a missing
// module); remote failures are reported in the result. On a storage error
// the partial result is returned along with the error.
func (o *Orchestrator) SyncResource(ctx context.Context, ref model.ResourceRef) (*model.SyncResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	result := model.NewSyncResult(ref)

	has, err := o.queue.HasOfflineData(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", ref, err)
	}
	if !has {
		result.Outcome = model.OutcomeNoOp
		o.metrics.ObservePass(ref.ResourceType, string(result.Outcome), 0)
		return result, nil
	}

	syncLock := lock.Lock{Component: lock.SyncComponent(ref.ResourceType), ID: ref.LockID()}
	editLock := lock.Lock{Component: ref.ResourceType, ID: ref.LockID()}
	guard, ok := o.locks.TryBlock(syncLock, editLock, syncLock)
	if !ok {
		slog.Debug("sync blocked",
			"site", ref.SiteID,
			"resource_type", ref.ResourceType,
			"resource", ref.ResourceKey,
		)
		result.Outcome = model.OutcomeBlocked
		o.metrics.ObservePass(ref.ResourceType, string(result.Outcome), 0)
		return result, nil
	}
	defer guard.Release()

	if !o.network.Online() || model.IsPlaceholder(ref.ResourceKey) {
		// Offline, or the parent is itself waiting to be created.
		result.Outcome = model.OutcomeDeferred
		result.Remaining, err = o.queue.Count(ctx, model.ForResource(ref))
		if err != nil {
			return nil, fmt.Errorf("sync %s: %w", ref, err)
		}
		o.metrics.ObservePass(ref.ResourceType, string(result.Outcome), 0)
		return result, nil
	}

	module, ok := o.modules.Get(ref.ResourceType)
	if !ok {
		return nil, fmt.Errorf("sync %s: %w", ref, ErrNotRegistered)
	}

	start := time.Now()
	p := &pass{ref: ref, module: module, result: result}
	err = o.run(ctx, p)
	o.finish(ctx, p, err == nil)

	o.metrics.ObservePass(ref.ResourceType, string(result.Outcome), time.Since(start))
	slog.Info("sync pass finished",
		"site", ref.SiteID,
		"resource_type", ref.ResourceType,
		"resource", ref.ResourceKey,
		"outcome", string(result.Outcome),
		"applied", len(result.Applied),
		"conflicts", len(result.Conflicts),
		"discarded", len(result.Discarded),
		"remaining", result.Remaining,
	)
	if err != nil {
		return result, fmt.Errorf("sync %s: %w", ref, err)
	}
	return result, nil
}

// run replays the pending mutations of p.ref in creation order, stopping at
// the first one that stays pending.
func (o *Orchestrator) run(ctx context.Context, p *pass) error {
	// Mutations queued without a baseline keep the first one they are
	// checked against, across passes.
	p.fallback = o.fallbackBaseline(ctx, p)
	if err := o.queue.FillBaseline(ctx, p.ref, p.fallback); err != nil {
		return err
	}

	mutations, err := o.queue.Pending(ctx, model.ForResource(p.ref))
	if err != nil {
		return err
	}

	for _, m := range mutations {
		spec, err := o.modules.Catalog().Action(m.Key.ResourceType, m.Action)
		if err != nil {
			// The catalog changed under a queued mutation; leave it for
			// the user to discard.
			slog.Warn("pending mutation no longer in catalog", "key", m.Key.String(), "error", err)
			p.result.Warn("%s %s cannot be sent: %v", m.Key.ResourceType, m.Key.InstanceKey, err)
			return nil
		}

		stay, err := o.replay(ctx, p, m, spec)
		if err != nil {
			return err
		}
		if stay {
			return nil
		}
	}
	return nil
}

// fallbackBaseline returns the module's local marker for the resource, else
// the read cache's.
func (o *Orchestrator) fallbackBaseline(ctx context.Context, p *pass) time.Time {
	if src, ok := p.module.(model.LocalModifiedSource); ok {
		t, err := src.LocalLastModified(ctx, p.ref)
		if err != nil {
			slog.Debug("local last-modified unavailable", "resource", p.ref.String(), "error", err)
		} else if !t.IsZero() {
			return t
		}
	}
	if o.cache != nil {
		if t, ok := o.cache.LastKnownModified(p.ref); ok {
			return t
		}
	}
	return time.Time{}
}

// replay handles one mutation. stay reports that m is still pending and the
// pass must stop.
func (o *Orchestrator) replay(ctx context.Context, p *pass, m model.PendingMutation, spec catalog.Action) (stay bool, err error) {
	typ := m.Key.ResourceType

	var attachmentIDs []string
	uploaded := false
	if m.AttachmentsRef != "" {
		files, err := o.queue.StagedFiles(m)
		if err != nil {
			return true, err
		}
		if len(files) > 0 {
			ids, err := p.module.UploadAttachments(ctx, m, files)
			if err != nil {
				res := model.ResultFromError(err)
				if res.Status == model.RemoteRejected {
					return o.reject(ctx, p, m, spec, res, false)
				}
				slog.Warn("attachment upload failed", "key", m.Key.String(), "files", len(files), "error", err)
				o.metrics.ObserveMutation(typ, resultUploadFailed)
				p.transient = true
				return true, nil
			}
			attachmentIDs = ids
			uploaded = true
		}
	}

	if !spec.Additive {
		conflict, err := o.checkConflict(ctx, p, m)
		if err != nil {
			slog.Warn("remote last-modified unavailable", "key", m.Key.String(), "error", err)
			o.metrics.ObserveMutation(typ, resultTransient)
			p.transient = true
			return true, nil
		}
		if conflict {
			o.conflict(p, m, nil)
			return true, nil
		}
	}

	res := p.module.ApplyMutation(ctx, m, attachmentIDs)
	switch res.Status {
	case model.RemoteApplied:
		return false, o.applied(ctx, p, m, res)
	case model.RemoteConflict:
		o.conflict(p, m, res.Err)
		return true, nil
	case model.RemoteRejected:
		return o.reject(ctx, p, m, spec, res, uploaded)
	default:
		slog.Warn("remote write failed", "key", m.Key.String(), "error", res.Err)
		o.metrics.ObserveMutation(typ, resultTransient)
		p.transient = true
		return true, nil
	}
}

// checkConflict reports whether the remote resource changed after the
// baseline m was edited against.
func (o *Orchestrator) checkConflict(ctx context.Context, p *pass, m model.PendingMutation) (bool, error) {
	baseline := m.Baseline
	if baseline.IsZero() {
		baseline = p.fallback
	}
	if baseline.IsZero() && !p.unknownWrite {
		return false, nil
	}

	remote, err := p.module.RemoteLastModified(ctx, p.ref)
	if err != nil {
		return false, err
	}
	p.observe(remote)

	if p.unknownWrite {
		// Only this pass has written since its last check.
		p.unknownWrite = false
		if err := o.advance(ctx, p, remote); err != nil {
			return false, err
		}
		return false, nil
	}

	if remote.IsZero() {
		// The resource was deleted on the server after the edit.
		return true, nil
	}
	if p.written.After(baseline) {
		baseline = p.written
	}
	return remote.After(baseline), nil
}

// advance records t as the marker of this pass's own write.
func (o *Orchestrator) advance(ctx context.Context, p *pass, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	p.observe(t)
	if t.After(p.written) {
		p.written = t
	}
	return o.queue.AdvanceBaseline(ctx, p.ref, t)
}

func (o *Orchestrator) conflict(p *pass, m model.PendingMutation, cause error) {
	slog.Info("sync conflict",
		"key", m.Key.String(),
		"baseline", m.Baseline,
		"error", cause,
	)
	p.result.Conflicts = append(p.result.Conflicts, m.Key)
	p.result.Warn("%s %s changed on the server; offline changes were not sent", m.Key.ResourceType, m.Key.InstanceKey)
	o.metrics.ObserveMutation(m.Key.ResourceType, resultConflict)
}

// applied deletes m and, when m created an item under a placeholder, moves
// everything filed under the placeholder to the server id.
func (o *Orchestrator) applied(ctx context.Context, p *pass, m model.PendingMutation, res model.RemoteResult) error {
	if _, err := o.queue.Remove(ctx, m.Key); err != nil {
		return err
	}
	p.result.Applied = append(p.result.Applied, m.Key)
	p.result.Updated = true
	o.metrics.ObserveMutation(m.Key.ResourceType, resultApplied)

	slog.Debug("mutation applied",
		"key", m.Key.String(),
		"action", string(m.Action),
		"new_id", res.NewID,
	)

	if !res.ModifiedAt.IsZero() {
		if err := o.advance(ctx, p, res.ModifiedAt); err != nil {
			return err
		}
	} else {
		remote, err := p.module.RemoteLastModified(ctx, p.ref)
		if err != nil {
			p.unknownWrite = true
		} else if err := o.advance(ctx, p, remote); err != nil {
			return err
		}
	}

	if model.IsPlaceholder(m.Key.InstanceKey) && res.NewID != "" {
		if p.result.ResourceID == "" {
			p.result.ResourceID = res.NewID
		}
		if _, err := o.queue.Rekey(ctx, m.Key.SiteID, m.Key.InstanceKey, res.NewID); err != nil {
			return err
		}
		for _, rk := range o.modules.rekeyers() {
			if err := rk.Rekey(ctx, m.Key.SiteID, m.Key.InstanceKey, res.NewID); err != nil {
				slog.Warn("module rekey failed", "key", m.Key.String(), "new_id", res.NewID, "error", err)
			}
		}
	}
	return nil
}

// reject applies the rejection policy. A rejected mutation is discarded
// when its action says so, when the module says retrying is unsafe, or when
// its attachments were already uploaded.
func (o *Orchestrator) reject(ctx context.Context, p *pass, m model.PendingMutation, spec catalog.Action, res model.RemoteResult, uploaded bool) (bool, error) {
	msg := model.Message(res.Err)
	discard := spec.OnReject == catalog.RejectDiscard || !res.SafeToRetry || uploaded

	if !discard {
		slog.Info("mutation rejected, kept", "key", m.Key.String(), "error", msg)
		p.result.Warn("%s %s was rejected: %s", m.Key.ResourceType, m.Key.InstanceKey, msg)
		o.metrics.ObserveMutation(m.Key.ResourceType, resultKept)
		return true, nil
	}

	if _, err := o.queue.Remove(ctx, m.Key); err != nil {
		return true, err
	}
	slog.Warn("mutation rejected, offline data deleted", "key", m.Key.String(), "error", msg)
	p.result.Discarded = append(p.result.Discarded, m.Key)
	p.result.Updated = true
	p.result.Warn("%s %s was rejected and its offline data deleted: %s", m.Key.ResourceType, m.Key.InstanceKey, msg)
	o.metrics.ObserveMutation(m.Key.ResourceType, resultDiscarded)
	return false, nil
}

// finish settles the outcome, invalidates caches, emits the auto-synced
// event and records the sync time.
func (o *Orchestrator) finish(ctx context.Context, p *pass, ok bool) {
	ref := p.ref
	remaining, err := o.queue.Count(ctx, model.ForResource(ref))
	if err != nil {
		slog.Error("count after sync failed", "resource", ref.String(), "error", err)
		remaining = -1
	}
	p.result.Remaining = remaining
	if remaining == 0 {
		p.result.Outcome = model.OutcomeSuccess
	} else {
		p.result.Outcome = model.OutcomePartialFailure
	}

	if p.result.Updated {
		if o.cache != nil {
			o.cache.InvalidateResource(ref)
		}
		if inv, ok := p.module.(model.Invalidator); ok {
			if err := inv.Invalidate(ctx, ref); err != nil {
				slog.Debug("module invalidate failed", "resource", ref.String(), "error", err)
			}
		}
	}
	if o.cache != nil {
		o.cache.RememberModified(ref, p.seen)
	}

	if p.result.Changed() && o.bus != nil {
		o.bus.Trigger(events.AutoSyncedEvent(ref.ResourceType), events.AutoSynced{
			Resource:   ref,
			Updated:    p.result.Updated,
			Warnings:   p.result.Warnings,
			ResourceID: p.result.ResourceID,
		}, ref.SiteID)
	}

	if ok && !p.transient {
		if err := o.queue.SetSyncTime(ctx, ref, o.clock.Now()); err != nil {
			slog.Error("failed to record sync time", "resource", ref.String(), "error", err)
		}
	}
}

// KnownModified returns the remote last-modified marker of ref, fetching it
// once and caching it. Editors call it when opening a resource so offline
// edits record a baseline.
func (o *Orchestrator) KnownModified(ctx context.Context, ref model.ResourceRef) (time.Time, error) {
	if t, ok := o.cachedModified(ref); ok {
		return t, nil
	}
	if !o.network.Online() {
		return time.Time{}, nil
	}
	module, ok := o.modules.Get(ref.ResourceType)
	if !ok {
		return time.Time{}, fmt.Errorf("known modified %s: %w", ref, ErrNotRegistered)
	}

	load := func(ctx context.Context) (any, error) {
		return module.RemoteLastModified(ctx, ref)
	}
	if o.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return time.Time{}, err
		}
		return v.(time.Time), nil
	}

	v, err := o.cache.Fetch(ctx, cache.Key(ref, cache.ModifiedKey), load)
	if err != nil {
		return time.Time{}, fmt.Errorf("known modified %s: %w", ref, err)
	}
	t, _ := v.(time.Time)
	return t, nil
}

func (o *Orchestrator) cachedModified(ref model.ResourceRef) (time.Time, bool) {
	if o.cache == nil {
		return time.Time{}, false
	}
	return o.cache.LastKnownModified(ref)
}
