package state

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Store owns every live TaskState. All access is serialized on one mutex.
type Store struct {
	storage ports.StoragePort
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	states map[string]*domain.TaskState
}

type Option func(*Store)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(storage ports.StoragePort, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		storage: storage,
		logger:  logger.With("component", "state-store"),
		now:     time.Now,
		states:  make(map[string]*domain.TaskState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Init(taskID string, nodeIDs []string, opts ...ports.InitOption) error {
	var options ports.InitOptions
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[taskID]; exists && !options.Replace {
		return &domain.DuplicateTaskError{TaskID: taskID}
	}

	s.states[taskID] = domain.NewTaskState(taskID, nodeIDs)

	s.logger.Debug("task state initialized",
		"task_id", taskID,
		"nodes", len(nodeIDs),
		"replaced", options.Replace)
	return nil
}

func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, taskID)
}

func (s *Store) Exists(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.states[taskID]
	return ok
}

func (s *Store) getLocked(taskID string) (*domain.TaskState, error) {
	st, ok := s.states[taskID]
	if !ok {
		return nil, &domain.UnknownTaskError{TaskID: taskID}
	}
	return st, nil
}

func (s *Store) nodeLocked(taskID, nodeID string) (*domain.TaskState, *domain.NodeState, error) {
	st, err := s.getLocked(taskID)
	if err != nil {
		return nil, nil, err
	}
	ns, ok := st.Nodes[nodeID]
	if !ok {
		return nil, nil, &domain.UnknownNodeError{TaskID: taskID, NodeID: nodeID}
	}
	return st, ns, nil
}

// UpdateNodeStatus applies one legal transition and recomputes progress.
func (s *Store) UpdateNodeStatus(taskID, nodeID string, status domain.NodeStatus, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(ns.Status, status) {
		return &domain.InvalidTransitionError{TaskID: taskID, NodeID: nodeID, From: ns.Status, To: status}
	}

	now := s.now()
	ns.Status = status
	ns.Timestamp = now
	if output != nil {
		ns.Output = output
	}

	if status == domain.NodeStatusRunning {
		st.CurrentNodeID = nodeID
		if st.GraphStatus == domain.GraphStatusPending {
			st.GraphStatus = domain.GraphStatusRunning
			st.StartedAt = &now
		}
	}

	st.Progress = progress(st)
	return nil
}

// SkipNode marks a never-started node as skipped, e.g. an untaken branch.
func (s *Store) SkipNode(taskID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return err
	}
	if ns.Status != domain.NodeStatusPending {
		return &domain.InvalidTransitionError{TaskID: taskID, NodeID: nodeID, From: ns.Status, To: domain.NodeStatusSkipped}
	}
	ns.Status = domain.NodeStatusSkipped
	ns.Timestamp = s.now()
	st.Progress = progress(st)
	return nil
}

// ResetNode returns a node to pending so it can run again after recovery or
// when an insertion resumes onto it.
func (s *Store) ResetNode(taskID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return err
	}
	if ns.Status == domain.NodeStatusPending {
		return nil
	}
	ns.Status = domain.NodeStatusPending
	ns.Output = nil
	ns.Timestamp = s.now()
	st.Progress = progress(st)
	return nil
}

func (s *Store) GetNodeStatus(taskID, nodeID string) (domain.NodeStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return "", err
	}
	return ns.Status, nil
}

func (s *Store) RecordNodeOutput(taskID, nodeID string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return err
	}
	ns.Output = output
	ns.Timestamp = s.now()
	return nil
}

func (s *Store) GetNodeOutput(taskID, nodeID string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ns, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return nil, err
	}
	return ns.Output, nil
}

func (s *Store) SetTaskStatus(taskID string, status domain.GraphStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return err
	}

	now := s.now()
	switch status {
	case domain.GraphStatusRunning:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		st.PausedAt = nil
	case domain.GraphStatusPaused:
		st.PausedAt = &now
	case domain.GraphStatusComplete, domain.GraphStatusError, domain.GraphStatusCancelled:
		st.CompletedAt = &now
	}
	st.GraphStatus = status
	return nil
}

func (s *Store) GetTaskStatus(taskID string) (domain.GraphStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return "", err
	}
	return st.GraphStatus, nil
}

func (s *Store) CurrentNode(taskID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return "", err
	}
	return st.CurrentNodeID, nil
}

func (s *Store) SetCurrentNode(taskID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, _, err := s.nodeLocked(taskID, nodeID)
	if err != nil {
		return err
	}
	st.CurrentNodeID = nodeID
	return nil
}

func (s *Store) UpdateContext(taskID string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return err
	}
	merged, err := domain.MergeContext(st.Context, updates)
	if err != nil {
		return err
	}
	st.Context = merged
	return nil
}

func (s *Store) Context(taskID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	return domain.CloneMap(st.Context), nil
}

// PauseForInsertedTask records the resume point and pauses a running task.
func (s *Store) PauseForInsertedTask(taskID, insertedID, currentNode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return "", err
	}
	if st.GraphStatus != domain.GraphStatusRunning {
		return "", fmt.Errorf("%w: task %s is %s", domain.ErrTaskNotRunning, taskID, st.GraphStatus)
	}

	now := s.now()
	st.InsertedTask = domain.InsertedTaskState{
		IsActive:       true,
		PausedMainNode: currentNode,
		InsertedTaskID: insertedID,
		PauseTime:      &now,
	}
	st.GraphStatus = domain.GraphStatusPaused
	st.PausedAt = &now

	s.logger.Info("task paused for inserted task",
		"task_id", taskID,
		"inserted_id", insertedID,
		"resume_node", currentNode)
	return currentNode, nil
}

// ResumeFromInsertedTask clears the insertion marker and returns the resume point.
func (s *Store) ResumeFromInsertedTask(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[taskID]
	if !ok || !st.InsertedTask.IsActive {
		return "", false
	}

	resume := st.InsertedTask.PausedMainNode
	st.InsertedTask = domain.InsertedTaskState{}
	st.GraphStatus = domain.GraphStatusRunning
	st.PausedAt = nil
	if resume != "" {
		st.CurrentNodeID = resume
	}

	s.logger.Info("task resumed from inserted task",
		"task_id", taskID,
		"resume_node", resume)
	return resume, true
}

// Snapshot deep-copies the live state.
func (s *Store) Snapshot(taskID string) (*domain.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Adopt installs state as the live record for its task, replacing any other.
func (s *Store) Adopt(state *domain.TaskState) error {
	if state == nil || state.TaskID == "" {
		return domain.ErrInvalidInput
	}
	adopted := state.Clone()
	if adopted.Nodes == nil {
		adopted.Nodes = make(map[string]*domain.NodeState)
	}
	if adopted.Context == nil {
		adopted.Context = make(map[string]any)
	}
	adopted.Progress = progress(adopted)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[adopted.TaskID] = adopted
	return nil
}

func (s *Store) Summary(taskID string) (domain.TaskSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, err := s.getLocked(taskID)
	if err != nil {
		return domain.TaskSummary{}, err
	}

	now := s.now()
	summary := domain.TaskSummary{
		TaskID:         st.TaskID,
		Status:         st.GraphStatus,
		Progress:       st.Progress,
		CurrentNodeID:  st.CurrentNodeID,
		NodesTotal:     len(st.Nodes),
		NodesCompleted: st.CountNodes(domain.NodeStatusComplete),
		NodesFailed:    st.CountNodes(domain.NodeStatusFailed),
		NodesSkipped:   st.CountNodes(domain.NodeStatusSkipped),
		NodesPending:   st.CountNodes(domain.NodeStatusPending),
		CompletedNodes: st.NodesWithStatus(domain.NodeStatusComplete),
		FailedNodes:    st.NodesWithStatus(domain.NodeStatusFailed),
		InsertedActive: st.InsertedTask.IsActive,
		StartedAt:      st.StartedAt,
		CompletedAt:    st.CompletedAt,
		Timestamp:      now,
	}
	if st.StartedAt != nil {
		end := now
		if st.CompletedAt != nil {
			end = *st.CompletedAt
		}
		summary.Duration = end.Sub(*st.StartedAt).Seconds()
	}
	return summary, nil
}

func (s *Store) ActiveTaskIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.states {
		if !st.GraphStatus.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func progress(st *domain.TaskState) int {
	total := len(st.Nodes)
	if total == 0 {
		return 0
	}
	finished := 0
	for _, ns := range st.Nodes {
		if ns.Status.Finished() {
			finished++
		}
	}
	return int(math.Round(100 * float64(finished) / float64(total)))
}
