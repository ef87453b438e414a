package resolver

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached value for a (concept, source) pair.
type Entry struct {
	Concept  string    `json:"concept"`
	Source   string    `json:"source"`
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"stored_at"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || e.StoredAt.IsZero() {
		return false
	}
	return now.Sub(e.StoredAt) < ttl
}

// Cache stores resolved values. Implementations ignore TTL; freshness is
// decided by the resolver so expired entries stay reachable for the stale path.
type Cache interface {
	Get(ctx context.Context, concept, source string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Scan(ctx context.Context, concept string) ([]Entry, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemoryCache constructs an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string]Entry)}
}

// Get returns the entry for concept/source.
func (c *MemoryCache) Get(_ context.Context, concept, source string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[concept][source]
	return e, ok, nil
}

// Put overwrites the entry for the pair.
func (c *MemoryCache) Put(_ context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySource, ok := c.entries[entry.Concept]
	if !ok {
		bySource = make(map[string]Entry)
		c.entries[entry.Concept] = bySource
	}
	bySource[entry.Source] = entry
	return nil
}

// Scan lists every entry held for concept regardless of age.
func (c *MemoryCache) Scan(_ context.Context, concept string) ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bySource := c.entries[concept]
	out := make([]Entry, 0, len(bySource))
	for _, e := range bySource {
		out = append(out, e)
	}
	return out, nil
}

// Evict drops entries stored before olderThan and returns how many were removed.
func (c *MemoryCache) Evict(olderThan time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for concept, bySource := range c.entries {
		for source, e := range bySource {
			if e.StoredAt.Before(olderThan) {
				delete(bySource, source)
				removed++
			}
		}
		if len(bySource) == 0 {
			delete(c.entries, concept)
		}
	}
	return removed
}

// Len counts cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, bySource := range c.entries {
		n += len(bySource)
	}
	return n
}

var _ Cache = (*MemoryCache)(nil)
