// Package cache holds the Response Cache: the last list payload fetched for
// each entity kind, with a per-kind time to live.
//
// A cached payload is fresh while its age is strictly below the kind's TTL
// and no invalidation has happened since it was written. Stale entries are
// never served; the caller goes to the network instead.
package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tendero/shopsync/internal/schema"
)

// hardExpiry bounds how long go-cache keeps an entry at all. Freshness is
// decided against the injected clock; this only reclaims memory.
const hardExpiry = 10 * time.Minute

const cleanupInterval = time.Minute

type entry struct {
	payload  []byte
	storedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	items *gocache.Cache
	now   func() time.Time

	mu          sync.Mutex
	invalidated map[schema.Kind]bool
}

// New creates an empty cache. A nil clock means time.Now.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		items:       gocache.New(hardExpiry, cleanupInterval),
		now:         now,
		invalidated: make(map[schema.Kind]bool),
	}
}

// Set stores the payload for kind and clears its invalidation flag.
func (c *Cache) Set(kind schema.Kind, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(payload))
	copy(stored, payload)
	c.items.Set(string(kind), entry{payload: stored, storedAt: c.now()}, gocache.DefaultExpiration)
	delete(c.invalidated, kind)
}

// Get returns the cached payload and its age when the entry is fresh.
func (c *Cache) Get(kind schema.Kind) ([]byte, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.invalidated[kind] {
		return nil, 0, false
	}
	v, ok := c.items.Get(string(kind))
	if !ok {
		return nil, 0, false
	}
	e := v.(entry)
	age := c.now().Sub(e.storedAt)
	if age >= kind.CacheTTL() {
		return nil, age, false
	}

	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, age, true
}

// Fresh reports whether Get would hit.
func (c *Cache) Fresh(kind schema.Kind) bool {
	_, _, ok := c.Get(kind)
	return ok
}

// Invalidate marks the entry for kind stale regardless of its age.
func (c *Cache) Invalidate(kind schema.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidated[kind] = true
	c.items.Delete(string(kind))
}

// Clear drops every entry. Called when the active user changes.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Flush()
	c.invalidated = make(map[schema.Kind]bool)
}
