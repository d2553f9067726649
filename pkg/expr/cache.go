package expr

import (
	"sync"
	"time"

	"go.starlark.net/starlark"
)

// compiled is a parsed and compiled expression with its free references.
type compiled struct {
	prog  *starlark.Program
	paths []string
	roots []string
}

type cacheEntry struct {
	value     *compiled
	expiresAt time.Time // zero means no expiry
}

// programCache stores compiled expressions keyed by source text.
// It is safe for concurrent use from multiple goroutines.
//
// Expressions come from table metadata, so the set is small and stable; the
// cache grows unbounded within its TTL window.
type programCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	ttl   time.Duration // 0 means no expiry
}

func newProgramCache(ttl time.Duration) *programCache {
	return &programCache{
		items: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

// Get returns the compiled program for src if present and not expired.
func (c *programCache) Get(src string) (*compiled, bool) {
	c.mu.RLock()
	entry, ok := c.items[src]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, src)
		c.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

// Set stores a compiled program.
func (c *programCache) Set(src string, value *compiled) {
	entry := cacheEntry{value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[src] = entry
	c.mu.Unlock()
}

// Size returns the number of cached programs.
func (c *programCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes every cached program.
func (c *programCache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]cacheEntry)
	c.mu.Unlock()
}
