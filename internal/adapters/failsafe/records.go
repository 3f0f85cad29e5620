package failsafe

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

var recoveryFlag = []byte("1")

// RecordStore keeps the pending FailureRecord, its recovery flag and the
// failsafe event log in durable storage.
type RecordStore struct {
	storage    ports.StoragePort
	logger     *slog.Logger
	eventLimit int

	mu      sync.Mutex
	lastKey time.Time
}

func NewRecordStore(storage ports.StoragePort, eventLimit int, logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	if eventLimit <= 0 {
		eventLimit = domain.DefaultFailsafeConfig().EventLogLimit
	}
	return &RecordStore{
		storage:    storage,
		logger:     logger.With("component", "failure-records"),
		eventLimit: eventLimit,
	}
}

// Save writes the record and raises the recovery flag in one batch.
func (s *RecordStore) Save(record *domain.FailureRecord) error {
	data, err := xjson.Marshal(record)
	if err != nil {
		return &domain.PersistenceError{Op: "encode", Key: domain.FailureRecordKey, Err: err}
	}
	ops := []ports.WriteOp{
		{Type: ports.OpPut, Key: domain.FailureRecordKey, Value: data},
		{Type: ports.OpPut, Key: domain.RecoveryFlagKey, Value: recoveryFlag},
	}
	if err := s.storage.BatchWrite(ops); err != nil {
		return &domain.PersistenceError{Op: "put", Key: domain.FailureRecordKey, Err: err}
	}
	s.logger.Info("failure record saved", "record_id", record.ID, "task_id", record.TaskID)
	return nil
}

// Pending returns the flagged record, or nil when no restart context exists.
func (s *RecordStore) Pending() (*domain.FailureRecord, error) {
	flagged, err := s.HasPending()
	if err != nil || !flagged {
		return nil, err
	}

	data, exists, err := s.storage.Get(domain.FailureRecordKey)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get", Key: domain.FailureRecordKey, Err: err}
	}
	if !exists {
		return nil, &domain.CorruptedRecoveryStateError{
			Key: domain.FailureRecordKey,
			Err: fmt.Errorf("recovery flag set without a failure record"),
		}
	}

	var record domain.FailureRecord
	if err := xjson.Unmarshal(data, &record); err != nil {
		return nil, &domain.CorruptedRecoveryStateError{Key: domain.FailureRecordKey, Err: err}
	}
	return &record, nil
}

func (s *RecordStore) HasPending() (bool, error) {
	exists, err := s.storage.Exists(domain.RecoveryFlagKey)
	if err != nil {
		return false, &domain.PersistenceError{Op: "exists", Key: domain.RecoveryFlagKey, Err: err}
	}
	return exists, nil
}

// Clear drops both the record and the flag.
func (s *RecordStore) Clear() error {
	ops := []ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.RecoveryFlagKey},
		{Type: ports.OpDelete, Key: domain.FailureRecordKey},
	}
	if err := s.storage.BatchWrite(ops); err != nil {
		return &domain.PersistenceError{Op: "delete", Key: domain.FailureRecordKey, Err: err}
	}
	return nil
}

// AppendEvent logs a failsafe event and trims the log to its limit.
func (s *RecordStore) AppendEvent(event domain.FailsafeEvent) error {
	data, err := xjson.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keys must stay unique when two events share a timestamp.
	at := event.Timestamp
	if !at.After(s.lastKey) {
		at = s.lastKey.Add(time.Nanosecond)
	}
	s.lastKey = at

	key := domain.FailsafeEventKey(at)
	if err := s.storage.Put(key, data); err != nil {
		return &domain.PersistenceError{Op: "put", Key: key, Err: err}
	}

	kvs, err := s.storage.ListByPrefix(domain.FailsafeEventPrefix)
	if err != nil || len(kvs) <= s.eventLimit {
		return err
	}
	stale := kvs[:len(kvs)-s.eventLimit]
	ops := make([]ports.WriteOp, 0, len(stale))
	for _, kv := range stale {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: kv.Key})
	}
	return s.storage.BatchWrite(ops)
}

// Events lists logged failsafe events, oldest first. Unreadable entries are skipped.
func (s *RecordStore) Events() ([]domain.FailsafeEvent, error) {
	kvs, err := s.storage.ListByPrefix(domain.FailsafeEventPrefix)
	if err != nil {
		return nil, err
	}
	events := make([]domain.FailsafeEvent, 0, len(kvs))
	for _, kv := range kvs {
		var ev domain.FailsafeEvent
		if err := xjson.Unmarshal(kv.Value, &ev); err != nil {
			s.logger.Warn("skipping unreadable failsafe event", "key", kv.Key, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
