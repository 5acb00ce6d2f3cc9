// Package memory is an in-memory remote system. It implements the module
// contract for any resource type, keeps a log of the writes it received and
// lets tests and scenarios inject failures and concurrent remote edits.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Write is one entry of the service's request log.
type Write struct {
	Key    model.Key
	Action model.Action
	// Result is the remote status ("applied", "conflict", ...) or "upload".
	Result string
	NewID  string
}

func (w Write) String() string {
	if w.NewID != "" {
		return fmt.Sprintf("%s %s -> %s (%s)", w.Action, w.Key, w.Result, w.NewID)
	}
	return fmt.Sprintf("%s %s -> %s", w.Action, w.Key, w.Result)
}

type resource struct {
	modified time.Time
	items    map[string]model.Payload
}

// Service holds remote state for every resource type.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	clock     model.Clock
	nextID    int
	resources map[model.ResourceRef]*resource

	failApply  map[string][]model.RemoteResult
	failUpload map[string][]error
	onApply    func(model.PendingMutation)

	created     map[string]string // placeholder -> server id
	writes      []Write
	uploads     int
	rekeys      []string
	invalidated map[model.ResourceRef]int
}

// New creates an empty service. Remote modification times come from clock.
func New(clock model.Clock) *Service {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Service{
		clock:       clock,
		nextID:      100,
		resources:   make(map[model.ResourceRef]*resource),
		failApply:   make(map[string][]model.RemoteResult),
		failUpload:  make(map[string][]error),
		created:     make(map[string]string),
		invalidated: make(map[model.ResourceRef]int),
	}
}

// Module returns the Syncable for resourceType backed by s.
func (s *Service) Module(resourceType string) *Module {
	return &Module{service: s, resourceType: resourceType}
}

func (s *Service) resource(ref model.ResourceRef) *resource {
	r, ok := s.resources[ref]
	if !ok {
		r = &resource{items: make(map[string]model.Payload)}
		s.resources[ref] = r
	}
	return r
}

// Seed stores an item without logging a write and stamps the resource.
func (s *Service) Seed(ref model.ResourceRef, instance string, fields model.Payload) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.resource(ref)
	r.items[instance] = fields.Clone()
	r.modified = s.clock.Now()
	return r.modified
}

// Touch simulates an edit made elsewhere: the resource's modification time
// moves forward and, when fields is non-nil, the item takes them.
func (s *Service) Touch(ref model.ResourceRef, instance string, fields model.Payload) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.resource(ref)
	if fields != nil {
		item := r.items[instance].Clone()
		for k, v := range fields {
			item[k] = v
		}
		r.items[instance] = item
	}
	r.modified = s.clock.Now()
	return r.modified
}

// Drop simulates the resource being deleted elsewhere. Its modification
// time reads as zero afterwards.
func (s *Service) Drop(ref model.ResourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, ref)
}

// Item returns a copy of an item.
func (s *Service) Item(ref model.ResourceRef, instance string) (model.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[ref]
	if !ok {
		return nil, false
	}
	item, ok := r.items[instance]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Items returns the instance keys of ref, sorted.
func (s *Service) Items(ref model.ResourceRef) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[ref]
	if !ok {
		return []string{}
	}
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Modified returns the modification time of ref. Zero if it does not exist.
func (s *Service) Modified(ref model.ResourceRef) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.resources[ref]; ok {
		return r.modified
	}
	return time.Time{}
}

// FailNext makes the next write of resourceType return res instead of
// being applied. Failures queue up in call order.
func (s *Service) FailNext(resourceType string, res model.RemoteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply[resourceType] = append(s.failApply[resourceType], res)
}

// FailNextKey makes the next write of key return res. Takes precedence
// over failures queued for the whole type.
func (s *Service) FailNextKey(key model.Key, res model.RemoteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply[key.String()] = append(s.failApply[key.String()], res)
}

// FailUpload makes the next attachment upload of resourceType fail with err.
func (s *Service) FailUpload(resourceType string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpload[resourceType] = append(s.failUpload[resourceType], err)
}

// OnApply installs fn to run at the start of every write, outside the lock.
func (s *Service) OnApply(fn func(model.PendingMutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApply = fn
}

// ServerID returns the id assigned to the item created under placeholder.
func (s *Service) ServerID(placeholder string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.created[placeholder]
	return id, ok
}

// Writes returns the request log.
func (s *Service) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Applied returns the number of writes that changed remote state.
func (s *Service) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w.Result == model.RemoteApplied.String() {
			n++
		}
	}
	return n
}

// Uploads returns the number of files received.
func (s *Service) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Rekeys returns the re-keys modules were told about, as "old -> new".
func (s *Service) Rekeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rekeys))
	copy(out, s.rekeys)
	return out
}

// Invalidations returns how often ref's module cache was invalidated.
func (s *Service) Invalidations(ref model.ResourceRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated[ref]
}

func (s *Service) apply(m model.PendingMutation, attachmentIDs []string) model.RemoteResult {
	s.mu.Lock()
	hook := s.onApply
	s.mu.Unlock()
	if hook != nil {
		hook(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.write(m, attachmentIDs)
	s.writes = append(s.writes, Write{Key: m.Key, Action: m.Action, Result: res.Status.String(), NewID: res.NewID})
	return res
}

// write must be called with s.mu held.
func (s *Service) write(m model.PendingMutation, attachmentIDs []string) model.RemoteResult {
	for _, k := range []string{m.Key.String(), m.Key.ResourceType} {
		if queued := s.failApply[k]; len(queued) > 0 {
			s.failApply[k] = queued[1:]
			return queued[0]
		}
	}

	ref := m.Key.Resource()
	r := s.resource(ref)
	instance := m.Key.InstanceKey

	fields := m.Payload.Clone()
	if len(attachmentIDs) > 0 {
		ids := make([]any, len(attachmentIDs))
		for i, id := range attachmentIDs {
			ids[i] = id
		}
		fields["attachments"] = ids
	}

	var newID string
	switch {
	case model.IsPlaceholder(instance) || m.Action == model.ActionCreate:
		s.nextID++
		newID = fmt.Sprintf("%d", s.nextID)
		r.items[newID] = fields
		if model.IsPlaceholder(instance) {
			s.created[instance] = newID
		}
	case m.Action == model.ActionDelete:
		if _, ok := r.items[instance]; !ok {
			return model.RemoteResult{
				Status: model.RemoteRejected,
				Err:    model.Rejected(errors.New("item does not exist"), false),
			}
		}
		delete(r.items, instance)
	default:
		item := r.items[instance].Clone()
		for k, v := range fields {
			item[k] = v
		}
		if !m.Action.IsBuiltin() {
			item["last_action"] = string(m.Action)
		}
		r.items[instance] = item
	}

	r.modified = s.clock.Now()
	return model.Applied(newID, r.modified)
}

func (s *Service) upload(m model.PendingMutation, files []model.StagedFile) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typ := m.Key.ResourceType
	if queued := s.failUpload[typ]; len(queued) > 0 {
		s.failUpload[typ] = queued[1:]
		s.writes = append(s.writes, Write{Key: m.Key, Action: m.Action, Result: "upload failed"})
		return nil, queued[0]
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f.Path); err != nil {
			return nil, model.Rejected(fmt.Errorf("staged file %s: %w", f.Name, err), false)
		}
		s.nextID++
		ids = append(ids, fmt.Sprintf("file-%d", s.nextID))
		s.uploads++
	}
	s.writes = append(s.writes, Write{Key: m.Key, Action: m.Action, Result: "upload"})
	return ids, nil
}

// Module syncs one resource type against a Service.
type Module struct {
	service      *Service
	resourceType string
}

// ResourceType implements model.Syncable.
func (m *Module) ResourceType() string { return m.resourceType }

// ApplyMutation implements model.Syncable.
func (m *Module) ApplyMutation(ctx context.Context, pm model.PendingMutation, attachmentIDs []string) model.RemoteResult {
	if err := ctx.Err(); err != nil {
		return model.ResultFromError(model.Transient(err))
	}
	return m.service.apply(pm, attachmentIDs)
}

// RemoteLastModified implements model.Syncable.
func (m *Module) RemoteLastModified(ctx context.Context, ref model.ResourceRef) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, model.Transient(err)
	}
	return m.service.Modified(ref), nil
}

// UploadAttachments implements model.Syncable.
func (m *Module) UploadAttachments(ctx context.Context, pm model.PendingMutation, files []model.StagedFile) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Transient(err)
	}
	return m.service.upload(pm, files)
}

// Rekey implements model.Rekeyer.
func (m *Module) Rekey(_ context.Context, siteID, oldKey, newKey string) error {
	m.service.mu.Lock()
	defer m.service.mu.Unlock()
	m.service.rekeys = append(m.service.rekeys, fmt.Sprintf("%s %s: %s -> %s", m.resourceType, siteID, oldKey, newKey))
	return nil
}

// Invalidate implements model.Invalidator.
func (m *Module) Invalidate(_ context.Context, ref model.ResourceRef) error {
	m.service.mu.Lock()
	defer m.service.mu.Unlock()
	m.service.invalidated[ref]++
	return nil
}

var (
	_ model.Syncable    = (*Module)(nil)
	_ model.Rekeyer     = (*Module)(nil)
	_ model.Invalidator = (*Module)(nil)
)
