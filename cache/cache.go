// Package cache is an in-memory result cache keyed by locator and rule set.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gleanhq/glean/models"
)

// entry holds a cached result with its creation timestamp.
type entry struct {
	result    *models.ExtractionResult
	createdAt time.Time
}

// Cache is a simple in-memory cache for extraction results.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	done       chan struct{}
	once       sync.Once
}

// New creates a Cache with the given maximum number of entries.
// A background goroutine runs every 5 minutes to evict entries older
// than 1 hour; Close stops it.
func New(maxEntries int) *Cache {
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}

	go c.cleanupLoop()
	return c
}

// Key derives a cache key from the locator and the rule set. Two requests
// share an entry only when both match.
func Key(locator string, rules *models.RuleSet) string {
	h := sha256.New()
	h.Write([]byte(locator))
	h.Write([]byte("|"))
	if rules != nil {
		raw, err := json.Marshal(rules)
		if err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached result if it exists and is younger than maxAge.
// maxAge is in milliseconds; maxAgeMs <= 0 skips the lookup entirely.
// The returned result is a copy marked as a cache hit; the stored original
// stays unmarked so a later fresher Get sees its true provenance.
func (c *Cache) Get(key string, maxAgeMs int) (*models.ExtractionResult, bool) {
	if maxAgeMs <= 0 {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	maxAge := time.Duration(maxAgeMs) * time.Millisecond
	if time.Since(e.createdAt) > maxAge {
		return nil, false
	}

	hit := *e.result
	hit.Provenance.CacheHit = true
	return &hit, true
}

// Set stores a result in the cache. If the cache is at capacity,
// a random entry is evicted to make room.
func (c *Cache) Set(key string, result *models.ExtractionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict one random entry if at capacity (map iteration is random in Go).
	if len(c.store) >= c.maxEntries {
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		result:    result,
		createdAt: time.Now(),
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// cleanupLoop evicts entries older than 1 hour every 5 minutes.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-1 * time.Hour)
			c.mu.Lock()
			for k, e := range c.store {
				if e.createdAt.Before(cutoff) {
					delete(c.store, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
