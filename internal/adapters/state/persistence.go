package state

import (
	"errors"
	"fmt"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// Persist writes the task's current state under a fresh timestamped key.
// A failed write is retried once before a PersistenceError is returned.
func (s *Store) Persist(taskID string) (string, error) {
	snapshot, err := s.Snapshot(taskID)
	if err != nil {
		return "", err
	}
	if s.storage == nil {
		return "", &domain.PersistenceError{Op: "persist", Key: taskID, Err: domain.ErrNotStarted}
	}

	key := domain.TaskStateKey(taskID, s.now())
	data, err := xjson.Marshal(snapshot)
	if err != nil {
		return "", &domain.PersistenceError{Op: "encode", Key: key, Err: err}
	}

	if err := s.storage.Put(key, data); err != nil {
		s.logger.Warn("task state persist failed, retrying",
			"task_id", taskID,
			"key", key,
			"error", err)
		if retryErr := s.storage.Put(key, data); retryErr != nil {
			return "", &domain.PersistenceError{Op: "put", Key: key, Err: errors.Join(err, retryErr)}
		}
	}

	s.logger.Debug("task state persisted", "task_id", taskID, "key", key)
	return key, nil
}

// PersistAll persists every live task and reports the keys written.
func (s *Store) PersistAll() (map[string]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	keys := make(map[string]string, len(ids))
	var errs []error
	for _, id := range ids {
		key, err := s.Persist(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys[id] = key
	}
	return keys, errors.Join(errs...)
}

// Load decodes a persisted state. A missing key yields (nil, nil); bytes that
// cannot be decoded into a usable state yield a CorruptedRecoveryStateError.
func (s *Store) Load(key string) (*domain.TaskState, error) {
	if s.storage == nil {
		return nil, &domain.PersistenceError{Op: "load", Key: key, Err: domain.ErrNotStarted}
	}

	data, exists, err := s.storage.Get(key)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "get", Key: key, Err: err}
	}
	if !exists {
		return nil, nil
	}

	var st domain.TaskState
	if err := xjson.Unmarshal(data, &st); err != nil {
		return nil, &domain.CorruptedRecoveryStateError{Key: key, Err: err}
	}
	if err := checkIntegrity(&st); err != nil {
		return nil, &domain.CorruptedRecoveryStateError{Key: key, Err: err}
	}
	return &st, nil
}

func checkIntegrity(st *domain.TaskState) error {
	if st.TaskID == "" {
		return errors.New("missing task_id")
	}
	if st.Nodes == nil {
		return errors.New("missing nodes")
	}
	for id, ns := range st.Nodes {
		if ns == nil || !ns.Status.Valid() {
			return fmt.Errorf("node %s has no valid status", id)
		}
	}
	for _, id := range st.NodeOrder {
		if _, ok := st.Nodes[id]; !ok {
			return fmt.Errorf("ordered node %s not in nodes", id)
		}
	}
	if st.CurrentNodeID != "" {
		if _, ok := st.Nodes[st.CurrentNodeID]; !ok {
			return fmt.Errorf("current node %s not in nodes", st.CurrentNodeID)
		}
	}
	if st.Context == nil {
		st.Context = make(map[string]any)
	}
	return nil
}

// LatestKey returns the newest persisted key for taskID, or "" when none exist.
func (s *Store) LatestKey(taskID string) (string, error) {
	kvs, err := s.persisted(taskID)
	if err != nil {
		return "", err
	}
	if len(kvs) == 0 {
		return "", nil
	}
	return kvs[len(kvs)-1].Key, nil
}

// Prune keeps only the newest keep snapshots of taskID.
func (s *Store) Prune(taskID string, keep int) (int, error) {
	kvs, err := s.persisted(taskID)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(kvs) <= keep {
		return 0, nil
	}

	stale := kvs[:len(kvs)-keep]
	ops := make([]ports.WriteOp, 0, len(stale))
	for _, kv := range stale {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: kv.Key})
	}
	if err := s.storage.BatchWrite(ops); err != nil {
		return 0, &domain.PersistenceError{Op: "prune", Key: taskID, Err: err}
	}
	return len(ops), nil
}

func (s *Store) DeletePersisted(taskID string) (int, error) {
	kvs, err := s.persisted(taskID)
	if err != nil || len(kvs) == 0 {
		return 0, err
	}
	ops := make([]ports.WriteOp, 0, len(kvs))
	for _, kv := range kvs {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: kv.Key})
	}
	if err := s.storage.BatchWrite(ops); err != nil {
		return 0, &domain.PersistenceError{Op: "delete", Key: taskID, Err: err}
	}
	return len(ops), nil
}

// persisted lists snapshots of exactly taskID, oldest first. The prefix alone
// would also match tasks whose id extends taskID with an underscore.
func (s *Store) persisted(taskID string) ([]ports.KeyValue, error) {
	if s.storage == nil {
		return nil, nil
	}
	kvs, err := s.storage.ListByPrefix(domain.TaskStateKeyPrefix(taskID))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Key: taskID, Err: err}
	}
	out := kvs[:0]
	for _, kv := range kvs {
		if id, ok := domain.TaskIDFromStateKey(kv.Key); ok && id == taskID {
			out = append(out, kv)
		}
	}
	return out, nil
}
