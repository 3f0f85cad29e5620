package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// Log is the durable recovery log, trimmed to the newest limit entries.
// Without storage it keeps entries in memory only.
type Log struct {
	storage ports.StoragePort
	limit   int
	logger  *slog.Logger

	mu      sync.Mutex
	lastKey time.Time
	memory  []domain.RecoveryLogEntry
}

func NewLog(storage ports.StoragePort, limit int, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = domain.DefaultRecoveryConfig().LogLimit
	}
	return &Log{
		storage: storage,
		limit:   limit,
		logger:  logger.With("component", "recovery-log"),
	}
}

func (l *Log) Append(entry domain.RecoveryLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.storage == nil {
		l.memory = append(l.memory, entry)
		if over := len(l.memory) - l.limit; over > 0 {
			l.memory = l.memory[over:]
		}
		return nil
	}

	at := entry.Timestamp
	if !at.After(l.lastKey) {
		at = l.lastKey.Add(time.Nanosecond)
	}
	l.lastKey = at

	data, err := xjson.Marshal(entry)
	if err != nil {
		return err
	}
	key := domain.RecoveryLogKey(at)
	if err := l.storage.Put(key, data); err != nil {
		return &domain.PersistenceError{Op: "put", Key: key, Err: err}
	}
	return l.trimLocked()
}

func (l *Log) trimLocked() error {
	kvs, err := l.storage.ListByPrefix(domain.RecoveryLogPrefix)
	if err != nil || len(kvs) <= l.limit {
		return err
	}
	stale := kvs[:len(kvs)-l.limit]
	ops := make([]ports.WriteOp, 0, len(stale))
	for _, kv := range stale {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: kv.Key})
	}
	return l.storage.BatchWrite(ops)
}

// Entries lists the log oldest first.
func (l *Log) Entries() ([]domain.RecoveryLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.storage == nil {
		return append([]domain.RecoveryLogEntry(nil), l.memory...), nil
	}

	kvs, err := l.storage.ListByPrefix(domain.RecoveryLogPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.RecoveryLogEntry, 0, len(kvs))
	for _, kv := range kvs {
		var entry domain.RecoveryLogEntry
		if err := xjson.Unmarshal(kv.Value, &entry); err != nil {
			l.logger.Warn("skipping unreadable recovery log entry", "key", kv.Key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
