// Package existcache remembers request paths already known to exist on disk.
package existcache

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded set of paths with first-in-first-out eviction.
//
// Membership checks never refresh an entry's position, so once the cache is
// full the oldest recorded path is evicted no matter how often it was hit.
// A miss only means the path has to be checked on disk.
type Cache struct {
	entries *lru.Cache[string, struct{}]
}

// New creates a Cache holding at most capacity paths.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("existcache: capacity must be positive, got %d", capacity)
	}
	entries, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("existcache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Contains reports whether path has been recorded and not yet evicted.
func (c *Cache) Contains(path string) bool {
	return c.entries.Contains(normalize(path))
}

// Record inserts path, evicting the oldest entry when the cache is full.
// Recording a path that is already present changes nothing.
func (c *Cache) Record(path string) {
	c.entries.ContainsOrAdd(normalize(path), struct{}{})
}

// Len returns the number of recorded paths.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Paths returns the recorded paths, oldest first.
func (c *Cache) Paths() []string {
	return c.entries.Keys()
}

func normalize(path string) string {
	return strings.ToLower(path)
}
