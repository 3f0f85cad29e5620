package cache

import (
	"strings"

	"github.com/luna-badge/taskcore/internal/domain"
)

// Snapshot captures the live entries whose key starts with prefix (all
// entries when prefix is empty) under id, replacing any snapshot with that id.
func (c *Cache) Snapshot(id, prefix string) *domain.CacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	snap := &domain.CacheSnapshot{
		ID:        id,
		Prefix:    prefix,
		CreatedAt: now,
		Entries:   []domain.SnapshotEntry{},
	}
	for _, k := range c.entries.Keys() {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		entry := raw.(*domain.CacheEntry)
		if entry.Expired(now) {
			continue
		}
		snap.Entries = append(snap.Entries, domain.SnapshotEntry{
			Key:   key,
			Value: domain.CloneValue(entry.Value),
			TTL:   entry.TTL,
		})
	}

	c.installLocked(snap)

	c.logger.Debug("cache snapshot taken",
		"snapshot_id", id,
		"prefix", prefix,
		"entries", len(snap.Entries))
	return copySnapshot(snap)
}

// Restore writes every captured entry back with a fresh expiry based on its
// original TTL. Keys set after the snapshot are left alone.
func (c *Cache) Restore(id string) bool {
	c.mu.Lock()
	snap, ok := c.snapshots[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	for _, e := range snap.Entries {
		c.Set(e.Key, domain.CloneValue(e.Value), e.TTL)
	}

	c.logger.Debug("cache snapshot restored", "snapshot_id", id, "entries", len(snap.Entries))
	return true
}

func (c *Cache) ClearSnapshot(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked(id)
}

func (c *Cache) ClearAllSnapshots() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots = make(map[string]*domain.CacheSnapshot)
	c.protected = make(map[string]int)
}

func (c *Cache) HasSnapshot(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.snapshots[id]
	return ok
}

// ExportSnapshot returns a detached copy suitable for persisting.
func (c *Cache) ExportSnapshot(id string) (*domain.CacheSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.snapshots[id]
	if !ok {
		return nil, false
	}
	return copySnapshot(snap), true
}

// ImportSnapshot installs a snapshot loaded from durable storage so it can
// be restored with Restore.
func (c *Cache) ImportSnapshot(snapshot *domain.CacheSnapshot) {
	if snapshot == nil || snapshot.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installLocked(copySnapshot(snapshot))
}

func (c *Cache) installLocked(snap *domain.CacheSnapshot) {
	c.dropLocked(snap.ID)
	c.snapshots[snap.ID] = snap
	for _, e := range snap.Entries {
		c.protected[e.Key]++
	}
}

func (c *Cache) dropLocked(id string) bool {
	old, ok := c.snapshots[id]
	if !ok {
		return false
	}
	for _, e := range old.Entries {
		if c.protected[e.Key] <= 1 {
			delete(c.protected, e.Key)
		} else {
			c.protected[e.Key]--
		}
	}
	delete(c.snapshots, id)
	return true
}

func copySnapshot(s *domain.CacheSnapshot) *domain.CacheSnapshot {
	out := *s
	out.Entries = make([]domain.SnapshotEntry, len(s.Entries))
	for i, e := range s.Entries {
		out.Entries[i] = domain.SnapshotEntry{Key: e.Key, Value: domain.CloneValue(e.Value), TTL: e.TTL}
	}
	return &out
}
