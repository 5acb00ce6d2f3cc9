package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/offsync/internal/catalog"
	"github.com/roach88/offsync/internal/model"
)

// Registry maps resource types to the modules that synchronize them.
// Modules register explicitly at startup; a type the catalog does not
// declare is refused.
type Registry struct {
	mu      sync.RWMutex
	catalog *catalog.Catalog
	modules map[string]model.Syncable
}

// NewRegistry creates an empty registry validated against cat.
func NewRegistry(cat *catalog.Catalog) *Registry {
	return &Registry{
		catalog: cat,
		modules: make(map[string]model.Syncable),
	}
}

// Register adds a module. Fails if its type is not in the catalog or is
// already registered.
func (r *Registry) Register(s model.Syncable) error {
	typ := s.ResourceType()
	if _, ok := r.catalog.Lookup(typ); !ok {
		return fmt.Errorf("register %q: %w", typ, catalog.ErrUnknownType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[typ]; exists {
		return fmt.Errorf("register %q: already registered", typ)
	}
	r.modules[typ] = s
	return nil
}

// Get returns the module for resourceType.
func (r *Registry) Get(resourceType string) (model.Syncable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.modules[resourceType]
	return s, ok
}

// Types returns the registered resource types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.modules))
	for t := range r.modules {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Catalog returns the catalog modules are validated against.
func (r *Registry) Catalog() *catalog.Catalog {
	return r.catalog
}

// rekeyers returns the modules that follow re-keys, in type order.
func (r *Registry) rekeyers() []model.Rekeyer {
	var out []model.Rekeyer
	for _, t := range r.Types() {
		s, _ := r.Get(t)
		if rk, ok := s.(model.Rekeyer); ok {
			out = append(out, rk)
		}
	}
	return out
}
