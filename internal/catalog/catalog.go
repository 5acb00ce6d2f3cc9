// Package catalog declares the resource types the client can queue offline
// and the actions each type supports.
//
// Catalogs are written in CUE and unified with a closed schema, so a typo in
// a field name is a load error rather than a silently ignored setting. A
// default catalog is embedded.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/offsync/internal/model"
)

//go:embed default.cue
var defaultCatalog []byte

// ErrUnknownType is returned for a resource type the catalog does not declare.
var ErrUnknownType = errors.New("unknown resource type")

// ErrUnknownAction is returned for an action the resource type does not declare.
var ErrUnknownAction = errors.New("unknown action")

// RejectPolicy says what happens to a mutation the remote system rejects.
type RejectPolicy string

const (
	// RejectKeep defers to the module: the mutation stays pending when the
	// rejection is safe to retry, and is discarded otherwise.
	RejectKeep RejectPolicy = "keep"
	// RejectDiscard always discards a rejected mutation with a warning.
	RejectDiscard RejectPolicy = "discard"
)

// Action is one declared action of a resource type.
type Action struct {
	Name     string       `json:"name"`
	Additive bool         `json:"additive"`
	OnReject RejectPolicy `json:"on_reject"`
}

// Resource is one declared resource type.
type Resource struct {
	Type      string            `json:"type"`
	Component string            `json:"component"`
	Actions   map[string]Action `json:"actions"`
}

// ActionNames returns the resource's action names, sorted.
func (r Resource) ActionNames() []string {
	names := make([]string, 0, len(r.Actions))
	for name := range r.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog is an immutable set of resource declarations.
type Catalog struct {
	resources map[string]Resource
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse("default.cue", defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Lookup returns the declaration of resourceType.
func (c *Catalog) Lookup(resourceType string) (Resource, bool) {
	r, ok := c.resources[resourceType]
	return r, ok
}

// Action returns the declaration of action on resourceType. The error wraps
// ErrUnknownType or ErrUnknownAction.
func (c *Catalog) Action(resourceType string, action model.Action) (Action, error) {
	r, ok := c.resources[resourceType]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownType, resourceType)
	}
	a, ok := r.Actions[string(action)]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q on %q", ErrUnknownAction, action, resourceType)
	}
	return a, nil
}

// Types returns every declared resource type, sorted.
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.resources))
	for t := range c.resources {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of declared resource types.
func (c *Catalog) Len() int {
	return len(c.resources)
}
