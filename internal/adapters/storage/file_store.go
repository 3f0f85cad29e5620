package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

const fileExt = ".json"

// FileStore keeps one JSON document per key under a base directory. A key's
// "/" separated segments become subdirectories.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, domain.NewStoreError("file", "open", fmt.Errorf("%w: empty directory", domain.ErrInvalidConfig))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewStoreError("file", "open", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "file-store"),
	}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: key %q", domain.ErrInvalidInput, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return "", fmt.Errorf("%w: key %q", domain.ErrInvalidInput, key)
		}
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)+fileExt), nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, domain.NewStoreError("file", "get", domain.ErrClosed)
	}

	p, err := s.path(key)
	if err != nil {
		return nil, false, domain.NewStoreError("file", "get", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, domain.NewStoreError("file", "get", err)
	}
	return data, true, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewStoreError("file", "put", domain.ErrClosed)
	}
	return s.putLocked(key, value)
}

func (s *FileStore) putLocked(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return domain.NewStoreError("file", "put", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return domain.NewStoreError("file", "put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return domain.NewStoreError("file", "put", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.NewStoreError("file", "put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.NewStoreError("file", "put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.NewStoreError("file", "put", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return domain.NewStoreError("file", "put", err)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewStoreError("file", "delete", domain.ErrClosed)
	}
	return s.deleteLocked(key)
}

func (s *FileStore) deleteLocked(key string) error {
	p, err := s.path(key)
	if err != nil {
		return domain.NewStoreError("file", "delete", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewStoreError("file", "delete", err)
	}
	return nil
}

func (s *FileStore) Exists(key string) (bool, error) {
	_, exists, err := s.Get(key)
	return exists, err
}

// BatchWrite applies ops in order. A failure leaves earlier ops applied.
func (s *FileStore) BatchWrite(ops []ports.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewStoreError("file", "batch_write", domain.ErrClosed)
	}

	for _, op := range ops {
		var err error
		switch op.Type {
		case ports.OpPut:
			err = s.putLocked(op.Key, op.Value)
		case ports.OpDelete:
			err = s.deleteLocked(op.Key)
		default:
			err = domain.NewStoreError("file", "batch_write", fmt.Errorf("%w: unknown op type %d", domain.ErrInvalidInput, op.Type))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.NewStoreError("file", "list_by_prefix", domain.ErrClosed)
	}

	keys, err := s.keysLocked(prefix)
	if err != nil {
		return nil, err
	}

	results := make([]ports.KeyValue, 0, len(keys))
	for _, key := range keys {
		p, _ := s.path(key)
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, domain.NewStoreError("file", "list_by_prefix", err)
		}
		results = append(results, ports.KeyValue{Key: key, Value: data})
	}
	return results, nil
}

func (s *FileStore) CountPrefix(prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, domain.NewStoreError("file", "count_prefix", domain.ErrClosed)
	}

	keys, err := s.keysLocked(prefix)
	return len(keys), err
}

func (s *FileStore) DeleteByPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.NewStoreError("file", "delete_by_prefix", domain.ErrClosed)
	}

	keys, err := s.keysLocked(prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if err := s.deleteLocked(key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *FileStore) keysLocked(prefix string) ([]string, error) {
	root := s.dir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = filepath.Join(s.dir, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStoreError("file", "walk", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewStoreError("file", "close", domain.ErrClosed)
	}
	s.closed = true
	return nil
}
