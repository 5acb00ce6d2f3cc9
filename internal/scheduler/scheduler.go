// Package scheduler decides when sync passes run and makes sure at most
// one pass per resource is ever in flight.
//
// Concurrent requests for the same resource join the pass already running
// and receive the same *model.SyncResult. A pass, once started, runs to the
// end even if the caller that started it goes away: a remote write may
// already be on the wire.
//
// Passes start on demand (SyncResource, Submit) or from triggers processed by
// Run: app foreground, connectivity regained, pull-to-refresh and a
// periodic timer. Periodic runs skip resources synced within the interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pending"
)

// Defaults.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultPeriodic    = 10 * time.Minute
	DefaultConcurrency = 4
)

// call is one in-flight pass.
type call struct {
	done   chan struct{}
	result *model.SyncResult
	err    error
}

// Scheduler coalesces and triggers sync passes.
//
// Thread-safety: all methods are safe for concurrent use. Run must be called
// from one goroutine.
type Scheduler struct {
	orch    *engine.Orchestrator
	queue   *pending.Queue
	conn    *Connectivity
	clock   model.Clock
	metrics *metrics.Sync

	interval    time.Duration
	periodic    time.Duration
	concurrency int

	mu       sync.Mutex
	inflight map[model.ResourceRef]*call

	triggers *triggerQueue
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how old a resource's last sync must be before a
// periodic run syncs it again.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithPeriodic sets the background timer. Zero disables it.
func WithPeriodic(d time.Duration) Option {
	return func(s *Scheduler) {
		s.periodic = d
	}
}

// WithConcurrency bounds how many resources SyncAll syncs at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.concurrency = n
	}
}

// WithClock sets the clock compared against sync times.
func WithClock(c model.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithMetrics sets the metrics triggers and coalesced requests are
// recorded in.
func WithMetrics(m *metrics.Sync) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler driving orch. conn must be the same flag the
// orchestrator was given; a transition to online enqueues TriggerOnline.
func New(orch *engine.Orchestrator, conn *Connectivity, opts ...Option) *Scheduler {
	s := &Scheduler{
		orch:        orch,
		queue:       orch.Queue(),
		conn:        conn,
		clock:       model.SystemClock{},
		interval:    DefaultInterval,
		periodic:    DefaultPeriodic,
		concurrency: DefaultConcurrency,
		inflight:    make(map[model.ResourceRef]*call),
		triggers:    newTriggerQueue(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}

	conn.OnChange(func(online bool) {
		if online {
			s.Trigger(Trigger{Kind: TriggerOnline})
		}
	})
	return s
}

// SyncResource runs a pass over ref, or joins the one in flight. Every
// caller of a shared pass receives the same result.
//
// If ctx ends first, SyncResource returns ctx.Err() and the pass carries on.
func (s *Scheduler) SyncResource(ctx context.Context, ref model.ResourceRef) (*model.SyncResult, error) {
	s.mu.Lock()
	if c, ok := s.inflight[ref]; ok {
		s.mu.Unlock()
		s.metrics.ObserveCoalesced()
		slog.Debug("sync joined pass in flight", "resource", ref.String())
		return wait(ctx, c)
	}
	c := &call{done: make(chan struct{})}
	s.inflight[ref] = c
	s.mu.Unlock()

	go s.run(context.WithoutCancel(ctx), ref, c)
	return wait(ctx, c)
}

func (s *Scheduler) run(ctx context.Context, ref model.ResourceRef, c *call) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, ref)
		s.mu.Unlock()
		close(c.done)
	}()
	c.result, c.err = s.orch.SyncResource(ctx, ref)
}

func wait(ctx context.Context, c *call) (*model.SyncResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.result, c.err
	}
}

// WaitForSync waits for the pass in flight for ref, if any, and returns its
// result. Returns (nil, nil) when nothing is running.
func (s *Scheduler) WaitForSync(ctx context.Context, ref model.ResourceRef) (*model.SyncResult, error) {
	s.mu.Lock()
	c, ok := s.inflight[ref]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return wait(ctx, c)
}

// IsSyncing reports whether a pass over ref is in flight.
func (s *Scheduler) IsSyncing(ref model.ResourceRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[ref]
	return ok
}

// NeedsSync reports whether ref was last synced longer ago than the
// interval.
func (s *Scheduler) NeedsSync(ctx context.Context, ref model.ResourceRef) (bool, error) {
	last, err := s.queue.SyncTime(ctx, ref)
	if err != nil {
		return false, err
	}
	return last.IsZero() || s.clock.Now().Sub(last) >= s.interval, nil
}

// SyncIfNeeded syncs ref only if NeedsSync. Returns a nil result when the
// pass was skipped.
func (s *Scheduler) SyncIfNeeded(ctx context.Context, ref model.ResourceRef) (*model.SyncResult, error) {
	needed, err := s.NeedsSync(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sync if needed %s: %w", ref, err)
	}
	if !needed {
		return nil, nil
	}
	return s.SyncResource(ctx, ref)
}

// Submit queues an offline write and, when online, syncs its resource
// straight away. The result is nil when offline.
func (s *Scheduler) Submit(ctx context.Context, req pending.Request) (model.PendingMutation, *model.SyncResult, error) {
	m, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return model.PendingMutation{}, nil, err
	}
	if !s.conn.Online() {
		return m, nil, nil
	}
	result, err := s.SyncResource(ctx, m.Key.Resource())
	return m, result, err
}

// SyncAll syncs every resource of siteID with pending work (every site when
// siteID is empty). Resources are synced concurrently; one resource failing
// does not stop the others. The returned error joins the local failures.
func (s *Scheduler) SyncAll(ctx context.Context, siteID string) ([]*model.SyncResult, error) {
	return s.syncAll(ctx, siteID, false)
}

// syncAll runs in two rounds: resources whose key is a placeholder wait
// until the first round has created their parent and re-keyed them.
func (s *Scheduler) syncAll(ctx context.Context, siteID string, onlyIfNeeded bool) ([]*model.SyncResult, error) {
	attempted := make(map[model.ResourceRef]bool)
	var results []*model.SyncResult
	var errs []error

	for round := 0; round < 2; round++ {
		refs, err := s.queue.Resources(ctx, siteID, "")
		if err != nil {
			return results, fmt.Errorf("sync all: %w", err)
		}

		var batch []model.ResourceRef
		for _, ref := range refs {
			if attempted[ref] || model.IsPlaceholder(ref.ResourceKey) {
				continue
			}
			attempted[ref] = true
			batch = append(batch, ref)
		}
		if len(batch) == 0 {
			break
		}

		got, failed := s.syncBatch(ctx, batch, onlyIfNeeded)
		results = append(results, got...)
		errs = append(errs, failed...)
	}

	return results, errors.Join(errs...)
}

func (s *Scheduler) syncBatch(ctx context.Context, refs []model.ResourceRef, onlyIfNeeded bool) ([]*model.SyncResult, []error) {
	results := make([]*model.SyncResult, len(refs))
	errs := make([]error, len(refs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			var err error
			if onlyIfNeeded {
				results[i], err = s.SyncIfNeeded(ctx, ref)
			} else {
				results[i], err = s.SyncResource(ctx, ref)
			}
			if err != nil {
				slog.Error("sync failed", "resource", ref.String(), "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*model.SyncResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return out, failed
}

// Trigger asks Run to start a sync. Returns false after Run has stopped.
func (s *Scheduler) Trigger(t Trigger) bool {
	return s.triggers.Enqueue(t)
}

// Run processes triggers until ctx is cancelled. The periodic timer, when
// enabled, enqueues TriggerPeriodic.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting", "periodic", s.periodic, "interval", s.interval)

	var tick <-chan time.Time
	if s.periodic > 0 {
		ticker := time.NewTicker(s.periodic)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if t, ok := s.triggers.TryDequeue(); ok {
			s.handle(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping: context cancelled")
			s.triggers.Close()
			return ctx.Err()
		case <-tick:
			s.Trigger(Trigger{Kind: TriggerPeriodic})
		case _, ok := <-s.triggers.Wait():
			if !ok && s.triggers.Len() == 0 {
				slog.Info("scheduler stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the trigger queue; Run returns once it is drained.
func (s *Scheduler) Stop() {
	s.triggers.Close()
}

// HandleTrigger runs t synchronously and returns the results.
func (s *Scheduler) HandleTrigger(ctx context.Context, t Trigger) ([]*model.SyncResult, error) {
	s.metrics.ObserveTrigger(string(t.Kind))

	if !s.conn.Online() {
		slog.Debug("trigger ignored while offline", "trigger", string(t.Kind))
		return []*model.SyncResult{}, nil
	}

	switch {
	case t.Kind == TriggerManual && t.Resource != nil:
		r, err := s.SyncResource(ctx, *t.Resource)
		if r == nil {
			return []*model.SyncResult{}, err
		}
		return []*model.SyncResult{r}, err
	case t.Kind == TriggerPeriodic:
		return s.syncAll(ctx, t.SiteID, true)
	default:
		return s.syncAll(ctx, t.SiteID, false)
	}
}

func (s *Scheduler) handle(ctx context.Context, t Trigger) {
	results, err := s.HandleTrigger(ctx, t)
	updated, warnings := model.Summarize(results)
	slog.Info("triggered sync finished",
		"trigger", string(t.Kind),
		"site", t.SiteID,
		"resources", len(results),
		"updated", updated,
		"warnings", len(warnings),
	)
	if err != nil {
		slog.Error("triggered sync had failures", "trigger", string(t.Kind), "error", err)
	}
}
