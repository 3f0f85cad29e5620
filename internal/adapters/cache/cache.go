package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/luna-badge/taskcore/internal/domain"
)

// Cache is a bounded TTL cache with named snapshots. Entries captured by a
// live snapshot are the last to be evicted when the cache is full.
type Cache struct {
	cfg    domain.CacheConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   *simplelru.LRU
	snapshots map[string]*domain.CacheSnapshot
	protected map[string]int

	evictions int64
	hits      int64
	misses    int64
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(cfg domain.CacheConfig, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultCacheConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	// Capacity is enforced by Set; the list only tracks recency.
	entries, _ := simplelru.NewLRU(cfg.MaxSize+1, nil)

	c := &Cache{
		cfg:       cfg,
		logger:    logger.With("component", "cache"),
		now:       time.Now,
		entries:   entries,
		snapshots: make(map[string]*domain.CacheSnapshot),
		protected: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value for ttl; ttl <= 0 uses the default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.entries.Contains(key) && c.entries.Len() >= c.cfg.MaxSize {
		c.makeRoomLocked(now)
	}

	c.entries.Add(key, &domain.CacheEntry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
		LastAccessed: now,
	})
}

// makeRoomLocked sweeps expired entries and, if still full, evicts the least
// recently accessed entry not held by a snapshot.
func (c *Cache) makeRoomLocked(now time.Time) {
	if c.clearExpiredLocked(now) > 0 && c.entries.Len() < c.cfg.MaxSize {
		return
	}

	for _, k := range c.entries.Keys() {
		key := k.(string)
		if c.protected[key] > 0 {
			continue
		}
		c.entries.Remove(key)
		c.evictions++
		c.logger.Debug("cache entry evicted", "key", key)
		return
	}

	// Every entry is held by a snapshot.
	if key, _, ok := c.entries.RemoveOldest(); ok {
		c.evictions++
		c.logger.Warn("evicting snapshotted cache entry", "key", key)
	}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	entry := raw.(*domain.CacheEntry)
	now := c.now()
	if entry.Expired(now) {
		c.entries.Remove(key)
		c.misses++
		return nil, false
	}
	entry.AccessCount++
	entry.LastAccessed = now
	c.hits++
	return entry.Value, true
}

// Has reports a live entry without touching recency or access counters.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.entries.Peek(key)
	if !ok {
		return false
	}
	return !raw.(*domain.CacheEntry).Expired(c.now())
}

// Entry returns a copy of the entry metadata.
func (c *Cache) Entry(key string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.entries.Peek(key)
	if !ok {
		return domain.CacheEntry{}, false
	}
	entry := raw.(*domain.CacheEntry)
	if entry.Expired(c.now()) {
		return domain.CacheEntry{}, false
	}
	return *entry, true
}

func (c *Cache) Clear(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Remove(key)
}

func (c *Cache) ClearPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.entries.Keys() {
		if key := k.(string); strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearExpiredLocked(c.now())
}

func (c *Cache) clearExpiredLocked(now time.Time) int {
	removed := 0
	for _, k := range c.entries.Keys() {
		raw, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if raw.(*domain.CacheEntry).Expired(now) {
			c.entries.Remove(k)
			removed++
		}
	}
	return removed
}

// ClearAll drops every entry and every snapshot.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	c.snapshots = make(map[string]*domain.CacheSnapshot)
	c.protected = make(map[string]int)
	c.logger.Info("cache cleared")
}

func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys []string
	for _, k := range c.entries.Keys() {
		raw, ok := c.entries.Peek(k)
		if ok && !raw.(*domain.CacheEntry).Expired(now) {
			keys = append(keys, k.(string))
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) Info() domain.CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := 0
	for _, k := range c.entries.Keys() {
		raw, ok := c.entries.Peek(k)
		if ok && raw.(*domain.CacheEntry).Expired(now) {
			expired++
		}
	}
	size := c.entries.Len()
	info := domain.CacheInfo{
		Size:         size,
		MaxSize:      c.cfg.MaxSize,
		ValidEntries: size - expired,
		Expired:      expired,
		Snapshots:    len(c.snapshots),
		Evictions:    c.evictions,
		Hits:         c.hits,
		Misses:       c.misses,
		DefaultTTL:   c.cfg.DefaultTTL,
	}
	if c.cfg.MaxSize > 0 {
		info.UsagePercent = float64(size) / float64(c.cfg.MaxSize) * 100
	}
	return info
}

// Run sweeps expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.ClearExpired(); n > 0 {
				c.logger.Debug("expired cache entries swept", "count", n)
			}
		}
	}
}
