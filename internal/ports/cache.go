package ports

import (
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
)

type CachePort interface {
	Set(key string, value any, ttl time.Duration)
	Get(key string) (any, bool)
	Has(key string) bool
	Clear(key string) bool
	ClearPrefix(prefix string) int
	ClearAll()

	Snapshot(id, prefix string) *domain.CacheSnapshot
	Restore(id string) bool
	ClearSnapshot(id string) bool
	ClearAllSnapshots()
	ExportSnapshot(id string) (*domain.CacheSnapshot, bool)
	ImportSnapshot(snapshot *domain.CacheSnapshot)
}
