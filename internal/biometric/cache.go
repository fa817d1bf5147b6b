package biometric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kiosk-go/internal/model"
)

// DefaultCacheTTL bounds how long a loaded projection is served.
const DefaultCacheTTL = 5 * time.Minute

// EntryLoader reads the projection of active, enrolled employees in local id order.
type EntryLoader interface {
	LoadMatchEntries(ctx context.Context) ([]model.MatchCacheEntry, error)
}

// Clock abstracts time retrieval so expiry is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// MatchCache is the in-memory projection the matcher scans. It is rebuilt
// wholesale from the store and is never patched: writers that change a vector
// or a tombstone call Invalidate. Safe for concurrent use.
type MatchCache struct {
	loader EntryLoader
	clock  Clock
	ttl    time.Duration

	mu       sync.Mutex
	entries  []model.MatchCacheEntry
	loaded   bool
	loadedAt time.Time
}

// NewMatchCache creates an empty cache. A non-positive ttl selects DefaultCacheTTL.
func NewMatchCache(loader EntryLoader, clock Clock, ttl time.Duration) *MatchCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MatchCache{loader: loader, clock: clock, ttl: ttl}
}

// Get returns the current entries, rebuilding them when the cache is unset,
// empty or expired. Callers must not modify the returned slice.
func (c *MatchCache) Get(ctx context.Context) ([]model.MatchCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && len(c.entries) > 0 && !c.expiredLocked() {
		return c.entries, nil
	}

	entries, err := c.loader.LoadMatchEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading match cache: %w", err)
	}
	c.entries = entries
	c.loaded = true
	c.loadedAt = c.clock.Now()
	return c.entries, nil
}

// Invalidate drops the cached entries; the next Get reloads them.
func (c *MatchCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.loaded = false
}

// IsExpired reports whether the next Get will reload from the store.
func (c *MatchCache) IsExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loaded || c.expiredLocked()
}

func (c *MatchCache) expiredLocked() bool {
	return c.clock.Now().Sub(c.loadedAt) >= c.ttl
}
