package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCache is an in-process decision cache bounded in size and age
type LocalCache struct {
	mu      sync.Mutex // orders fills against invalidations
	epoch   uint64
	entries *lru.LRU[Key, *Entry]
	maxTTL  time.Duration
	now     func() time.Time
	stats   counters
}

// NewLocalCache creates a cache holding at most maxEntries decisions, none
// older than maxTTL.
func NewLocalCache(maxEntries int, maxTTL time.Duration) *LocalCache {
	if maxEntries < 10 {
		maxEntries = 10
	}
	if maxTTL <= 0 {
		maxTTL = time.Minute
	}
	return &LocalCache{
		entries: lru.NewLRU[Key, *Entry](maxEntries, nil, maxTTL),
		maxTTL:  maxTTL,
		now:     time.Now,
	}
}

// Get returns the entry if it is present and not past its own expiry
func (c *LocalCache) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	if !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		c.entries.Remove(key)
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	c.stats.hits.Add(1)
	out := *entry
	return &out, true, nil
}

// Epoch returns the current invalidation epoch
func (c *LocalCache) Epoch(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, nil
}

// Fill stores entry for ttl (capped at the cache max) if epoch is current
func (c *LocalCache) Fill(ctx context.Context, key Key, entry *Entry, ttl time.Duration, epoch uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		c.stats.stale.Add(1)
		return false, nil
	}

	stored := *entry
	now := c.now()
	stored.StoredAt = now
	stored.ExpiresAt = now.Add(ttl)
	c.entries.Add(key, &stored)
	c.stats.fills.Add(1)
	return true, nil
}

// Invalidate advances the epoch and drops every entry inside scope
func (c *LocalCache) Invalidate(ctx context.Context, scope Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.stats.invalidations.Add(1)
	for _, key := range c.entries.Keys() {
		if scope.Matches(key) {
			c.entries.Remove(key)
		}
	}
	return nil
}

// Clear advances the epoch and drops everything
func (c *LocalCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.stats.invalidations.Add(1)
	c.entries.Purge()
	return nil
}

// Len returns the number of cached decisions
func (c *LocalCache) Len() int {
	return c.entries.Len()
}

// Stats returns activity counters
func (c *LocalCache) Stats() Stats {
	return c.stats.snapshot()
}

// Close releases nothing; present for the interface
func (c *LocalCache) Close() error {
	return nil
}
