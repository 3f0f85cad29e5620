package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

type BadgerOptions struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore is the default durable store backed by an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func OpenBadgerStore(opts BadgerOptions, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, domain.NewStoreError("badger", "open", fmt.Errorf("%w: empty directory", domain.ErrInvalidConfig))
		}
		badgerOpts = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	badgerOpts = badgerOpts.WithLogger(newBadgerLogger(logger))

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, domain.NewStoreError("badger", "open", err)
	}

	return NewBadgerStore(db, logger), nil
}

// OpenInMemory is used by tests and the memory backend.
func OpenInMemory(logger *slog.Logger) (*BadgerStore, error) {
	return OpenBadgerStore(BadgerOptions{InMemory: true}, logger)
}

func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
	}
}

func (s *BadgerStore) Get(key string) (value []byte, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				exists = false
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, domain.NewStoreError("badger", "get", err)
	}

	return value, exists, nil
}

func (s *BadgerStore) Put(key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return domain.NewStoreError("badger", "put", err)
	}
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return domain.NewStoreError("badger", "delete", err)
	}
	return nil
}

func (s *BadgerStore) Exists(key string) (bool, error) {
	_, exists, err := s.Get(key)
	return exists, err
}

func (s *BadgerStore) BatchWrite(ops []ports.WriteOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, op := range ops {
		var err error
		switch op.Type {
		case ports.OpPut:
			err = wb.Set([]byte(op.Key), op.Value)
		case ports.OpDelete:
			err = wb.Delete([]byte(op.Key))
		default:
			err = fmt.Errorf("%w: unknown op type %d", domain.ErrInvalidInput, op.Type)
		}
		if err != nil {
			return domain.NewStoreError("badger", "batch_write", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return domain.NewStoreError("badger", "batch_flush", err)
	}
	return nil
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var results []ports.KeyValue
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValue{
				Key:   string(item.KeyCopy(nil)),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStoreError("badger", "list_by_prefix", err)
	}

	return results, nil
}

func (s *BadgerStore) CountPrefix(prefix string) (count int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, domain.NewStoreError("badger", "count_prefix", err)
	}
	return count, nil
}

func (s *BadgerStore) DeleteByPrefix(prefix string) (deletedCount int, err error) {
	keys, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	ops := make([]ports.WriteOp, 0, len(keys))
	for _, kv := range keys {
		ops = append(ops, ports.WriteOp{
			Type: ports.OpDelete,
			Key:  kv.Key,
		})
		deletedCount++
	}

	if len(ops) > 0 {
		err = s.BatchWrite(ops)
	}

	return deletedCount, err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.NewStoreError("badger", "close", domain.ErrClosed)
	}
	s.closed = true

	return s.db.Close()
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.NewStoreError("badger", "access", domain.ErrClosed)
	}
	return nil
}

// badgerLogger routes badger's internal logging onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger.With("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
