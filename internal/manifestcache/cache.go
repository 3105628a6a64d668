// Package manifestcache implements a TTL-bounded mapping from plugin id to
// its public Manifest, so the plugin service doesn't re-introspect a
// plugin's tool set on every request.
//
// Built on github.com/jellydator/ttlcache/v3, which serializes get/set
// behind its own locking, giving atomic reads and writes on the
// (value, expiry) pair without a hand-rolled mutex.
package manifestcache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/forgesyte/forgesyte-go/internal/plugin"
)

// DefaultTTL is the manifest cache's default time-to-live.
const DefaultTTL = 60 * time.Second

// Cache is a TTL cache of plugin manifests keyed by plugin id.
type Cache struct {
	ttl   *ttlcache.Cache[string, plugin.Manifest]
	sinceTTL time.Duration
}

// Option configures a Cache at construction.
type Option func(*options)

type options struct {
	ttl time.Duration
}

// WithTTL overrides the default 60s manifest TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// New creates a manifest cache with the given TTL (default 60s).
func New(opts ...Option) *Cache {
	o := &options{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(o)
	}

	c := ttlcache.New[string, plugin.Manifest](
		ttlcache.WithTTL[string, plugin.Manifest](o.ttl),
	)
	return &Cache{ttl: c, sinceTTL: o.ttl}
}

// Get returns the cached manifest for id, or (zero, false) on a miss or
// expiry.
func (c *Cache) Get(id string) (plugin.Manifest, bool) {
	item := c.ttl.Get(id)
	if item == nil {
		return plugin.Manifest{}, false
	}
	return item.Value(), true
}

// Set writes through a freshly built manifest, resetting its TTL.
func (c *Cache) Set(id string, m plugin.Manifest) {
	c.ttl.Set(id, m, ttlcache.DefaultTTL)
}

// Invalidate removes a single cached entry (used after Reload).
func (c *Cache) Invalidate(id string) {
	c.ttl.Delete(id)
}

// TTL returns the cache's configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.sinceTTL }
