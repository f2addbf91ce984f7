// Package dedup maps content hashes to previously generated artifacts.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// DefaultTTL bounds how long a hash resolves to an existing artifact.
const DefaultTTL = 24 * time.Hour

// Cache is the dedup lookup surface. It is an optimization, not a
// correctness mechanism: concurrent identical requests may both render.
type Cache interface {
	Lookup(ctx context.Context, hash string) (render.Artifact, bool, error)
	Insert(ctx context.Context, hash string, artifact render.Artifact, ttl time.Duration) error
}

type memoryEntry struct {
	artifact  render.Artifact
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache for development and tests.
type MemoryCache struct {
	clock   render.Clock
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(clock render.Clock) *MemoryCache {
	return &MemoryCache{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Lookup returns the cached artifact if its TTL has not elapsed.
func (c *MemoryCache) Lookup(_ context.Context, hash string) (render.Artifact, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok {
		return render.Artifact{}, false, nil
	}
	if c.clock.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, hash)
		c.mu.Unlock()
		return render.Artifact{}, false, nil
	}
	return e.artifact, true, nil
}

// Insert stores the artifact under its hash for ttl.
func (c *MemoryCache) Insert(_ context.Context, hash string, artifact render.Artifact, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[hash] = memoryEntry{
		artifact:  artifact,
		expiresAt: c.clock.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}
