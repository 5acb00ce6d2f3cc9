package model

import (
	"errors"
	"fmt"
	"strings"
)

// PlaceholderPrefix marks instance keys generated locally for items that do not
// exist on the remote system yet.
const PlaceholderPrefix = "new:"

// Key is the composite identifier of a pending mutation.
//
// SiteID scopes everything; ResourceType names the kind of resource
// ("forum-reply", "assign-submission"); ResourceKey identifies the parent
// resource the mutation belongs to; InstanceKey distinguishes items within the
// resource (a placeholder for not-yet-created items, or the server id).
type Key struct {
	SiteID       string `json:"site_id" yaml:"site"`
	ResourceType string `json:"resource_type" yaml:"type"`
	ResourceKey  string `json:"resource_key" yaml:"resource"`
	InstanceKey  string `json:"instance_key" yaml:"instance"`
}

// Validate returns an error if any component of the key is empty.
func (k Key) Validate() error {
	if err := k.Resource().Validate(); err != nil {
		return err
	}
	if k.InstanceKey == "" {
		return errors.New("instance key is required")
	}
	return nil
}

// Resource returns the resource this key belongs to.
func (k Key) Resource() ResourceRef {
	return ResourceRef{
		SiteID:       k.SiteID,
		ResourceType: k.ResourceType,
		ResourceKey:  k.ResourceKey,
	}
}

// String renders the key as site/type/resource/instance.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.SiteID, k.ResourceType, k.ResourceKey, k.InstanceKey)
}

// ResourceRef identifies one synchronizable resource instance: all pending
// mutations sharing (site, type, resource key) are replayed together.
type ResourceRef struct {
	SiteID       string `json:"site_id" yaml:"site"`
	ResourceType string `json:"resource_type" yaml:"type"`
	ResourceKey  string `json:"resource_key" yaml:"resource"`
}

// Validate returns an error if any component of the reference is empty.
func (r ResourceRef) Validate() error {
	switch {
	case r.SiteID == "":
		return errors.New("site id is required")
	case r.ResourceType == "":
		return errors.New("resource type is required")
	case r.ResourceKey == "":
		return errors.New("resource key is required")
	}
	return nil
}

// String renders the reference as site/type/resource.
func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.SiteID, r.ResourceType, r.ResourceKey)
}

// LockID is the resource id used with the operation lock registry.
// Site-qualified so two sites never share a lock.
func (r ResourceRef) LockID() string {
	return r.SiteID + "/" + r.ResourceKey
}

// Key builds the mutation key for an instance of this resource.
func (r ResourceRef) Key(instanceKey string) Key {
	return Key{
		SiteID:       r.SiteID,
		ResourceType: r.ResourceType,
		ResourceKey:  r.ResourceKey,
		InstanceKey:  instanceKey,
	}
}

// NewPlaceholder returns a placeholder instance key for a locally created item.
func NewPlaceholder(id string) string {
	return PlaceholderPrefix + id
}

// IsPlaceholder reports whether key was generated locally and has no server id yet.
func IsPlaceholder(key string) bool {
	return strings.HasPrefix(key, PlaceholderPrefix)
}
