package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/catalog"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/lock"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/pending"
	"github.com/roach88/offsync/internal/remote/memory"
	"github.com/roach88/offsync/internal/scheduler"
	"github.com/roach88/offsync/internal/staging"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation held.
	Pass bool `json:"pass"`

	// Trace lists what happened, one line per event. Deterministic.
	Trace []string `json:"trace"`

	// Errors lists failed expectations.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []string{}, Errors: []string{}}
}

// AddError records a failed expectation.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

func (r *Result) trace(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

// Harness holds the stack one scenario runs against.
type Harness struct {
	site    string
	queue   *pending.Queue
	orch    *engine.Orchestrator
	sched   *scheduler.Scheduler
	remote  *memory.Service
	locks   *lock.Registry
	conn    *scheduler.Connectivity
	guards  map[model.ResourceRef][]*lock.Guard
	aliases map[string]string

	mu     sync.Mutex
	events []string

	writesSeen int
}

type options struct {
	catalog  *catalog.Catalog
	metrics  *metrics.Sync
	cacheTTL time.Duration
}

// Option configures a scenario run.
type Option func(*options)

// WithCatalog runs the scenario against cat instead of the built-in catalog.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(o *options) { o.catalog = cat }
}

// WithMetrics records the run's sync passes in m.
func WithMetrics(m *metrics.Sync) Option {
	return func(o *options) { o.metrics = m }
}

// WithCacheTTL expires read cache entries after d. Zero, the default, keeps
// them until a sync pass invalidates them.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// Run executes a scenario in a fresh temporary directory.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "offsync-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	return RunIn(dir, scenario, opts...)
}

// RunIn executes a scenario with its database and staging area under dir.
func RunIn(dir string, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = catalog.Default()
	}

	st, err := store.Open(filepath.Join(dir, "offline.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	area, err := staging.New(filepath.Join(dir, "staging"))
	if err != nil {
		return nil, err
	}

	h, err := newHarness(st, area, o, scenario.Site)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	result.trace("scenario %s", scenario.Name)

	for _, item := range scenario.Remote {
		h.remote.Seed(h.ref(item.Type, item.Resource), item.Instance, model.Payload(item.Fields))
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if scenario.Expect != nil {
		if err := h.checkFinal(ctx, scenario.Expect, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func newHarness(st *store.Store, area *staging.Area, o options, site string) (*Harness, error) {
	cat := o.catalog
	c := cache.New(o.cacheTTL)
	bus := events.NewBus()
	clock := testutil.NewManualClock(testutil.Epoch, time.Second)

	h := &Harness{
		site:    site,
		remote:  memory.New(testutil.NewManualClock(testutil.Epoch, time.Second)),
		locks:   lock.NewRegistry(),
		conn:    scheduler.NewConnectivity(true),
		guards:  make(map[model.ResourceRef][]*lock.Guard),
		aliases: make(map[string]string),
	}

	h.queue = pending.New(st, area, cat,
		pending.WithClock(clock),
		pending.WithIDGenerator(testutil.NewSequentialIDs("m")),
		pending.WithCache(c),
		pending.WithBus(bus),
	)

	reg := engine.NewRegistry(cat)
	for _, typ := range cat.Types() {
		if err := reg.Register(h.remote.Module(typ)); err != nil {
			return nil, err
		}
		name := events.AutoSyncedEvent(typ)
		bus.On(name, site, func(e events.Event) {
			p := e.Payload.(events.AutoSynced)
			h.mu.Lock()
			h.events = append(h.events, fmt.Sprintf("event %s updated=%t warnings=%d", name, p.Updated, len(p.Warnings)))
			h.mu.Unlock()
		})
	}

	h.orch = engine.New(h.queue, reg, h.locks,
		engine.WithNetwork(h.conn),
		engine.WithCache(c),
		engine.WithBus(bus),
		engine.WithClock(clock),
		engine.WithMetrics(o.metrics),
	)
	h.sched = scheduler.New(h.orch, h.conn,
		scheduler.WithClock(clock),
		scheduler.WithConcurrency(1),
		scheduler.WithPeriodic(0),
		scheduler.WithMetrics(o.metrics),
	)
	return h, nil
}

// resolve maps "$alias" to the placeholder it names, or to the server id
// it was created under.
func (h *Harness) resolve(key string) string {
	name, ok := strings.CutPrefix(key, "$")
	if !ok {
		return key
	}
	placeholder, ok := h.aliases[name]
	if !ok {
		return key
	}
	if id, ok := h.remote.ServerID(placeholder); ok {
		return id
	}
	return placeholder
}

func (h *Harness) ref(typ, resource string) model.ResourceRef {
	return model.ResourceRef{SiteID: h.site, ResourceType: typ, ResourceKey: h.resolve(resource)}
}

func (h *Harness) key(typ, resource, instance string) model.Key {
	return h.ref(typ, resource).Key(h.resolve(instance))
}

func (h *Harness) execute(ctx context.Context, st Step, result *Result) error {
	switch {
	case st.Open != nil:
		ref := h.ref(st.Open.Type, st.Open.Resource)
		t, err := h.orch.KnownModified(ctx, ref)
		if err != nil {
			return err
		}
		result.trace("open %s modified=%s", ref, formatTime(t))

	case st.Queue != nil:
		return h.enqueue(ctx, st.Queue, result)

	case st.RemoteTouch != nil:
		a := st.RemoteTouch
		key := h.key(a.Type, a.Resource, a.Instance)
		t := h.remote.Touch(key.Resource(), key.InstanceKey, model.Payload(a.Fields))
		result.trace("remote_touch %s modified=%s", key, formatTime(t))

	case st.FailNext != nil:
		f := st.FailNext
		res := model.ResultFromError(failure(f))
		if f.Resource != "" && f.Instance != "" {
			h.remote.FailNextKey(h.key(f.Type, f.Resource, f.Instance), res)
		} else {
			h.remote.FailNext(f.Type, res)
		}
		result.trace("fail_next %s %s", f.Type, f.Status)

	case st.FailUpload != nil:
		h.remote.FailUpload(st.FailUpload.Type, failure(st.FailUpload))
		result.trace("fail_upload %s %s", st.FailUpload.Type, st.FailUpload.Status)

	case st.Offline:
		h.conn.SetOnline(false)
		result.trace("offline")

	case st.Online:
		h.conn.SetOnline(true)
		result.trace("online")

	case st.Block != nil:
		ref := h.ref(st.Block.Type, st.Block.Resource)
		h.guards[ref] = append(h.guards[ref], h.locks.Block(ref.ResourceType, ref.LockID()))
		result.trace("block %s", ref)

	case st.Unblock != nil:
		ref := h.ref(st.Unblock.Type, st.Unblock.Resource)
		if gs := h.guards[ref]; len(gs) > 0 {
			gs[len(gs)-1].Release()
			h.guards[ref] = gs[:len(gs)-1]
		}
		result.trace("unblock %s", ref)

	case st.Sync != nil:
		return h.runSync(ctx, st, result)

	case st.Discard != nil:
		key := h.key(st.Discard.Type, st.Discard.Resource, st.Discard.Instance)
		err := h.queue.Discard(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			result.trace("discard %s not found", key)
			return nil
		}
		if err != nil {
			return err
		}
		result.trace("discard %s", key)
	}
	return nil
}

func (h *Harness) enqueue(ctx context.Context, q *QueueArgs, result *Result) error {
	files := make([]staging.Source, len(q.Files))
	for i, f := range q.Files {
		files[i] = staging.Source{Name: f.Name, Data: []byte(f.Content)}
	}

	m, err := h.queue.Enqueue(ctx, pending.Request{
		Key:     h.key(q.Type, q.Resource, q.Instance),
		Action:  model.Action(q.Action),
		Payload: model.Payload(q.Payload),
		Files:   files,
	})
	if err != nil {
		return err
	}
	if q.As != "" {
		h.aliases[q.As] = m.Key.InstanceKey
	}

	if m.ID == "" {
		result.trace("queue %s %s cancelled", q.Action, m.Key)
		return nil
	}
	result.trace("queue %s %s id=%s files=%d", m.Action, m.Key, m.ID, len(files))
	return nil
}

func (h *Harness) runSync(ctx context.Context, st Step, result *Result) error {
	var results []*model.SyncResult

	if st.Sync.Type == "" {
		all, err := h.sched.SyncAll(ctx, h.site)
		if err != nil {
			return err
		}
		results = all
		result.trace("sync %s resources=%d", h.site, len(all))
		for _, r := range all {
			result.trace("  result %s", formatResult(r))
		}
	} else {
		r, err := h.sched.SyncResource(ctx, h.ref(st.Sync.Type, st.Sync.Resource))
		if err != nil {
			return err
		}
		results = []*model.SyncResult{r}
		result.trace("sync %s", formatResult(r))
	}

	writes := h.remote.Writes()
	for _, w := range writes[h.writesSeen:] {
		result.trace("  remote %s", w)
	}
	h.writesSeen = len(writes)

	h.mu.Lock()
	for _, e := range h.events {
		result.trace("  %s", e)
	}
	h.events = nil
	h.mu.Unlock()

	_, warnings := model.Summarize(results)
	for _, w := range warnings {
		result.trace("  warning %s", w)
	}

	if st.Expect != nil {
		checkSync(st.Expect, results, len(result.Trace), result)
	}
	return nil
}

func checkSync(exp *SyncExpect, results []*model.SyncResult, line int, result *Result) {
	updated, warnings := model.Summarize(results)

	if exp.Outcome != "" {
		for _, r := range results {
			if string(r.Outcome) != exp.Outcome {
				result.AddError("trace line %d: %s outcome = %s, want %s", line, r.Resource, r.Outcome, exp.Outcome)
			}
		}
	}
	if exp.Updated != nil && updated != *exp.Updated {
		result.AddError("trace line %d: updated = %t, want %t", line, updated, *exp.Updated)
	}
	if exp.Warnings != nil && len(warnings) != *exp.Warnings {
		result.AddError("trace line %d: %d warnings, want %d", line, len(warnings), *exp.Warnings)
	}
	if exp.Results != nil && len(results) != *exp.Results {
		result.AddError("trace line %d: %d results, want %d", line, len(results), *exp.Results)
	}
}

func (h *Harness) checkFinal(ctx context.Context, exp *FinalExpect, result *Result) error {
	if exp.Pending != nil {
		n, err := h.queue.Count(ctx, model.Filter{SiteID: h.site})
		if err != nil {
			return err
		}
		if n != *exp.Pending {
			result.AddError("pending = %d, want %d", n, *exp.Pending)
		}
	}

	for _, re := range exp.Remote {
		ref := h.ref(re.Type, re.Resource)
		if re.Instance == "" {
			if re.Items != nil {
				if got := len(h.remote.Items(ref)); got != *re.Items {
					result.AddError("remote %s has %d items, want %d", ref, got, *re.Items)
				}
			}
			continue
		}

		instance := h.resolve(re.Instance)
		item, ok := h.remote.Item(ref, instance)
		switch {
		case re.Absent && ok:
			result.AddError("remote %s/%s exists, want absent", ref, instance)
		case !re.Absent && !ok:
			result.AddError("remote %s/%s does not exist", ref, instance)
		case ok:
			for _, field := range sortedKeys(re.Fields) {
				want := fmt.Sprint(re.Fields[field])
				if got := fmt.Sprint(item[field]); got != want {
					result.AddError("remote %s/%s %s = %q, want %q", ref, instance, field, got, want)
				}
			}
		}
	}
	return nil
}

func failure(f *FailArgs) error {
	msg := f.Message
	if msg == "" {
		msg = f.Status
	}
	switch f.Status {
	case StatusConflict:
		return model.Conflict(model.Key{}, msg)
	case StatusRejected:
		return model.Rejected(errors.New(msg), f.SafeToRetry)
	}
	return model.Transient(errors.New(msg))
}

func formatResult(r *model.SyncResult) string {
	s := fmt.Sprintf("%s outcome=%s applied=%d conflicts=%d discarded=%d remaining=%d",
		r.Resource, r.Outcome, len(r.Applied), len(r.Conflicts), len(r.Discarded), r.Remaining)
	if r.ResourceID != "" {
		s += " resource_id=" + r.ResourceID
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
