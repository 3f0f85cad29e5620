package domain

import "time"

type CacheEntry struct {
	Key          string        `json:"key"`
	Value        any           `json:"value"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	TTL          time.Duration `json:"ttl"`
	AccessCount  int64         `json:"access_count"`
	LastAccessed time.Time     `json:"last_accessed"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type SnapshotEntry struct {
	Key   string        `json:"key"`
	Value any           `json:"value"`
	TTL   time.Duration `json:"ttl"`
}

type CacheSnapshot struct {
	ID        string          `json:"id"`
	Prefix    string          `json:"prefix,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []SnapshotEntry `json:"entries"`
}

func (s *CacheSnapshot) Keys() []string {
	keys := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		keys[i] = e.Key
	}
	return keys
}

type CacheInfo struct {
	Size         int           `json:"size"`
	MaxSize      int           `json:"max_size"`
	ValidEntries int           `json:"valid_entries"`
	Expired      int           `json:"expired"`
	UsagePercent float64       `json:"usage_percent"`
	Snapshots    int           `json:"snapshots"`
	Evictions    int64         `json:"evictions"`
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	DefaultTTL   time.Duration `json:"default_ttl"`
}
