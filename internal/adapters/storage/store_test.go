package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type storeFactory struct {
	name string
	open func(t *testing.T) ports.StoragePort
}

func factories() []storeFactory {
	return []storeFactory{
		{"badger", func(t *testing.T) ports.StoragePort {
			s, err := OpenInMemory(testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"file", func(t *testing.T) ports.StoragePort {
			s, err := OpenFileStore(t.TempDir(), testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func TestStore_GetPutDelete(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)

			_, exists, err := s.Get("task_states/missing")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, s.Put("task_states/t1_1", []byte(`{"a":1}`)))
			value, exists, err := s.Get("task_states/t1_1")
			require.NoError(t, err)
			assert.True(t, exists)
			assert.JSONEq(t, `{"a":1}`, string(value))

			ok, err := s.Exists("task_states/t1_1")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete("task_states/t1_1"))
			_, exists, err = s.Get("task_states/t1_1")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, s.Delete("task_states/never-existed"))
		})
	}
}

func TestStore_ListByPrefixSorted(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)

			require.NoError(t, s.Put("task_states/a_3", []byte("3")))
			require.NoError(t, s.Put("task_states/a_1", []byte("1")))
			require.NoError(t, s.Put("task_states/a_2", []byte("2")))
			require.NoError(t, s.Put("task_states/b_1", []byte("x")))
			require.NoError(t, s.Put("graphs/a", []byte("g")))

			kvs, err := s.ListByPrefix("task_states/a_")
			require.NoError(t, err)
			require.Len(t, kvs, 3)
			assert.Equal(t, "task_states/a_1", kvs[0].Key)
			assert.Equal(t, "task_states/a_3", kvs[2].Key)
			assert.Equal(t, []byte("2"), kvs[1].Value)

			count, err := s.CountPrefix("task_states/")
			require.NoError(t, err)
			assert.Equal(t, 4, count)

			deleted, err := s.DeleteByPrefix("task_states/a_")
			require.NoError(t, err)
			assert.Equal(t, 3, deleted)

			count, err = s.CountPrefix("")
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestStore_BatchWrite(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			require.NoError(t, s.Put("reports/pending/old", []byte("old")))

			err := s.BatchWrite([]ports.WriteOp{
				{Type: ports.OpPut, Key: "reports/pending/t1", Value: []byte("1")},
				{Type: ports.OpPut, Key: "reports/pending/t2", Value: []byte("2")},
				{Type: ports.OpDelete, Key: "reports/pending/old"},
			})
			require.NoError(t, err)

			kvs, err := s.ListByPrefix("reports/pending/")
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			assert.Equal(t, "reports/pending/t1", kvs[0].Key)
		})
	}
}

func TestStore_ClosedRejectsAccess(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			require.NoError(t, s.Close())

			err := s.Put("k", []byte("v"))
			assert.ErrorIs(t, err, domain.ErrClosed)
			assert.Error(t, s.Close())
		})
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, s.Put(fmt.Sprintf("recovery/logs/%03d", i), []byte("entry")))
				}(i)
			}
			wg.Wait()

			count, err := s.CountPrefix("recovery/logs/")
			require.NoError(t, err)
			assert.Equal(t, 20, count)
		})
	}
}

func TestFileStore_LayoutAndKeyValidation(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Put("task_states/visit_20260101T000000.000000000", []byte("{}")))
	_, err = os.Stat(filepath.Join(dir, "task_states", "visit_20260101T000000.000000000.json"))
	assert.NoError(t, err)

	for _, bad := range []string{"", "../escape", "a//b", "/abs", "dir/", "a/.hidden"} {
		assert.ErrorIs(t, s.Put(bad, []byte("x")), domain.ErrInvalidInput, bad)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	s, err := Open(domain.StorageConfig{Backend: domain.StorageMemory}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(domain.StorageConfig{Backend: domain.StorageFile, Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(domain.StorageConfig{Backend: "tape"}, testLogger())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
