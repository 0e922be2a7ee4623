package texture

import (
	"sync"

	"diffrast/internal/mem"
)

// Cache is a concurrency-safe cache of mip pyramids keyed by texture path.
// Pyramids are built once and shared by every lookup of the same file.
type Cache struct {
	mu       sync.RWMutex
	items    map[string]*cacheEntry
	maxLevel int
	budget   *mem.Budget
}

type cacheEntry struct {
	pyr *Pyramid
	err error // load failures are cached too
}

// NewCache creates a cache that builds pyramids up to maxLevel (< 0 for a
// full chain) and charges their storage to budget.
func NewCache(maxLevel int, budget *mem.Budget) *Cache {
	return &Cache{
		items:    make(map[string]*cacheEntry),
		maxLevel: maxLevel,
		budget:   budget,
	}
}

// Pyramid loads the texture at path and returns its mip pyramid.
func (c *Cache) Pyramid(path string) (*Pyramid, error) {
	// Fast path: read lock
	c.mu.RLock()
	if entry, exists := c.items[path]; exists {
		c.mu.RUnlock()
		return entry.pyr, entry.err
	}
	c.mu.RUnlock()

	// Slow path: load from disk
	var pyr *Pyramid
	tex, err := Load(path)
	if err == nil {
		pyr, err = BuildPyramid(tex, c.maxLevel, c.budget)
	}

	// Write lock with double-check
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, exists := c.items[path]; exists {
		pyr.Release()
		return entry.pyr, entry.err
	}
	c.items[path] = &cacheEntry{pyr: pyr, err: err}
	return pyr, err
}

// Len returns the number of cached textures.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Release drops every cached pyramid and returns its storage to the budget.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, entry := range c.items {
		entry.pyr.Release()
		delete(c.items, path)
	}
}
