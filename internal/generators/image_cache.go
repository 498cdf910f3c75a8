package generators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"storyos/server/internal/interfaces"
)

// URLCache stores generated image URLs by prompt key. storage.RedisStore
// implements it for multi-node deployments.
type URLCache interface {
	GetImageURL(ctx context.Context, key string) (string, bool, error)
	PutImageURL(ctx context.Context, key, url string) error
}

type cacheEntry struct {
	url          string
	createdAt    time.Time
	lastAccessed time.Time
}

// CacheStats holds statistics about cache performance
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int     `json:"total_entries"`
}

// MemoryURLCache is an in-process URLCache with TTL and LRU eviction
type MemoryURLCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	stats      CacheStats
	now        func() time.Time
}

// NewMemoryURLCache creates a cache. ttl <= 0 disables expiry.
func NewMemoryURLCache(maxEntries int, ttl time.Duration) *MemoryURLCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryURLCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *MemoryURLCache) GetImageURL(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if ok && c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		return "", false, nil
	}
	entry.lastAccessed = c.now()
	c.stats.Hits++
	c.updateHitRate()
	return entry.url, true, nil
}

func (c *MemoryURLCache) PutImageURL(_ context.Context, key, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &cacheEntry{url: url, createdAt: now, lastAccessed: now}
	if len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
	return nil
}

// Stats returns a snapshot of cache statistics
func (c *MemoryURLCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.TotalEntries = len(c.entries)
	return s
}

func (c *MemoryURLCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccessed.Before(oldest) {
			oldestKey, oldest = key, entry.lastAccessed
		}
	}
	delete(c.entries, oldestKey)
}

func (c *MemoryURLCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// CacheKey derives the cache key for a prompt and size
func CacheKey(prompt, size string) string {
	sum := sha256.Sum256([]byte(size + "\x00" + prompt))
	return hex.EncodeToString(sum[:16])
}

// CachedGenerator serves repeated prompts from a URLCache and collapses
// concurrent requests for the same prompt into one generation.
type CachedGenerator struct {
	gen   interfaces.ImageGenerator
	cache URLCache
	group singleflight.Group
	log   zerolog.Logger
}

// NewCachedGenerator wraps gen with cache
func NewCachedGenerator(gen interfaces.ImageGenerator, cache URLCache, log zerolog.Logger) *CachedGenerator {
	return &CachedGenerator{gen: gen, cache: cache, log: log}
}

func (g *CachedGenerator) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	key := CacheKey(req.Prompt, req.Size)

	if url, ok, err := g.cache.GetImageURL(ctx, key); err != nil {
		g.log.Warn().Err(err).Msg("image cache read failed")
	} else if ok {
		return &interfaces.ImageResponse{ImageURL: url}, nil
	}

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		resp, err := g.gen.GenerateImage(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := g.cache.PutImageURL(ctx, key, resp.ImageURL); err != nil {
			g.log.Warn().Err(err).Msg("image cache write failed")
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	resp := *v.(*interfaces.ImageResponse)
	return &resp, nil
}

var (
	_ URLCache                  = (*MemoryURLCache)(nil)
	_ interfaces.ImageGenerator = (*CachedGenerator)(nil)
)
