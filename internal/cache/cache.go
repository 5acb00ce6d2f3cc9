// Package cache is the read cache of remote resource state. Sync passes
// invalidate a resource's entries once its pending mutations were replayed,
// so readers never see pre-sync data as current.
package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/model"
)

// ModifiedKey names the entry holding a resource's last-known remote
// modification time.
const ModifiedKey = "modified"

// Cache wraps an in-memory TTL cache. Entries are namespaced by resource so
// one resource can be dropped without touching the others.
type Cache struct {
	c  *gocache.Cache
	sf singleflight.Group
}

// New returns a cache whose entries expire after ttl. A zero ttl keeps
// entries until they are invalidated.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Cache{c: gocache.New(ttl, time.Minute)}
}

// Key builds the cache key of a named entry belonging to ref.
func Key(ref model.ResourceRef, name string) string {
	return ref.String() + "#" + name
}

func (c *Cache) Get(key string) (any, bool) { return c.c.Get(key) }
func (c *Cache) Set(key string, v any)      { c.c.SetDefault(key, v) }
func (c *Cache) Delete(key string)          { c.c.Delete(key) }
func (c *Cache) Len() int                   { return c.c.ItemCount() }

// RememberModified records the last remote modification time seen for ref.
func (c *Cache) RememberModified(ref model.ResourceRef, t time.Time) {
	if t.IsZero() {
		return
	}
	c.Set(Key(ref, ModifiedKey), t)
}

// LastKnownModified returns the last remote modification time seen for ref.
func (c *Cache) LastKnownModified(ref model.ResourceRef) (time.Time, bool) {
	v, ok := c.Get(Key(ref, ModifiedKey))
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// Fetch returns the cached value of key, or calls load and caches its
// result. Concurrent misses on the same key share one load.
func (c *Cache) Fetch(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}

// InvalidateResource drops every entry of ref. Returns the number dropped.
func (c *Cache) InvalidateResource(ref model.ResourceRef) int {
	return c.invalidatePrefix(ref.String() + "#")
}

// InvalidateSite drops every entry of a site.
func (c *Cache) InvalidateSite(siteID string) int {
	return c.invalidatePrefix(siteID + "/")
}

func (c *Cache) invalidatePrefix(prefix string) int {
	n := 0
	for k := range c.c.Items() {
		if strings.HasPrefix(k, prefix) {
			c.c.Delete(k)
			n++
		}
	}
	return n
}
