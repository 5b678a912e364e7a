package predict

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/skywalker-88/stormgate/internal/features"
)

type cacheEntry struct {
	result    Result
	expiresAt time.Time
	insertedAt time.Time
}

// Cache is a bounded, TTL-checked prediction cache keyed on
// hash(features ⊕ sensitivity_tag). It evicts the oldest entry by insertion
// order when full, matching spec.md §4.4's "evicts oldest on insertion".
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   []string // insertion order, oldest first
	entries map[string]cacheEntry
}

// NewCache builds a Cache bounded to maxSize entries with the given TTL.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Key computes the stable cache key for a feature vector and sensitivity
// tag: an FNV-1a hash over the sorted-field string form. A cryptographic
// hash isn't needed here — the cache key space isn't adversary-controlled.
func Key(fv features.FeatureVector, sensitivityTag string) string {
	values := fv.ToMap()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		fmt.Fprintf(h, "%s=%v;", name, values[name])
	}
	fmt.Fprintf(h, "sensitivity=%s", sensitivityTag)
	return fmt.Sprintf("%x", h.Sum64())
}

// Get returns the cached result for key, if present and unexpired.
func (c *Cache) Get(key string, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return Result{}, false
	}
	return entry.result, true
}

// Put inserts or refreshes a cache entry, evicting the oldest entry first
// if the cache is at capacity.
func (c *Cache) Put(key string, result Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		if c.maxSize > 0 && len(c.entries) >= c.maxSize {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{
		result:     result,
		expiresAt:  now.Add(c.ttl),
		insertedAt: now,
	}
}

func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Clear empties the cache. The Service loads its model once and never calls
// Clear itself.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = nil
}

// TTL reports the configured entry lifetime, for collaborators (such as a
// SharedCache) that need to mirror it.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Len reports the current entry count, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
