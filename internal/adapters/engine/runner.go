package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luna-badge/taskcore/internal/domain"
)

// session is one run of a graph. Fields are guarded by Engine.mu.
type session struct {
	graph    *domain.TaskGraph
	taskID   string
	parentID string

	done     chan struct{}
	finished bool
	err      error

	path         []string
	corrections  []any
	lastProgress time.Time

	stop   context.CancelFunc
	exited chan struct{}
}

func newSession(graph *domain.TaskGraph, taskID, parentID string) *session {
	return &session{
		graph:    graph,
		taskID:   taskID,
		parentID: parentID,
		done:     make(chan struct{}),
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (e *Engine) startDriveLocked(s *session) {
	ctx, cancel := context.WithCancel(e.ctx)
	exited := make(chan struct{})
	s.stop = cancel
	s.exited = exited
	s.lastProgress = e.now()

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer close(exited)
		e.drive(ctx, s)
	}()
}

// stopDriveLocked cancels the drive of s and returns a channel closed once
// its goroutine has exited.
func (e *Engine) stopDriveLocked(s *session) <-chan struct{} {
	if s.stop == nil {
		if s.exited != nil {
			return s.exited
		}
		return closedCh
	}
	s.stop()
	s.stop = nil
	return s.exited
}

// resumeLocked restarts the drive of s at its current node. A node left
// running by an interrupted call is reset so it runs again.
func (e *Engine) resumeLocked(s *session) {
	e.resetInterruptedLocked(s)
	e.startDriveLocked(s)
}

// resetInterruptedLocked puts the current node of s back to pending when a
// cancelled call left it running.
func (e *Engine) resetInterruptedLocked(s *session) {
	current, err := e.state.CurrentNode(s.taskID)
	if err != nil || current == "" {
		return
	}
	status, err := e.state.GetNodeStatus(s.taskID, current)
	if err != nil || status != domain.NodeStatusRunning {
		return
	}
	if err := e.state.ResetNode(s.taskID, current); err != nil {
		e.logger.Warn("interrupted node not reset", "task_id", s.taskID, "node_id", current, "error", err)
	}
}

func (e *Engine) drive(ctx context.Context, s *session) {
	for ctx.Err() == nil {
		if !e.step(ctx, s) {
			return
		}
	}
}

// step executes the current node of s and advances along the graph. It
// reports whether the drive should continue.
func (e *Engine) step(ctx context.Context, s *session) bool {
	nodeID, err := e.state.CurrentNode(s.taskID)
	if err != nil {
		e.finish(s, domain.GraphStatusError, err)
		return false
	}
	node, ok := s.graph.Node(nodeID)
	if !ok {
		e.finish(s, domain.GraphStatusError, &domain.UnknownNodeError{TaskID: s.taskID, NodeID: nodeID})
		return false
	}

	result, replayed, execErr := e.runNode(ctx, s, node)
	if execErr != nil && result == nil && ctx.Err() != nil {
		return false
	}

	e.mu.Lock()
	if s.finished {
		e.mu.Unlock()
		return false
	}
	s.lastProgress = e.now()
	if result != nil && !replayed {
		s.path = append(s.path, node.ID)
		if result.Fallback != nil {
			s.corrections = append(s.corrections, correction(node, result))
		}
	}
	e.mu.Unlock()

	if result != nil && !replayed {
		e.emitNode(s, node, result)
	}

	if execErr != nil && !(e.cfg.ContinueOnNodeFailure && result != nil) {
		e.logger.Error("task graph failed at node", append([]any{"task_id", s.taskID}, errorLogAttrs(execErr)...)...)
		e.finish(s, domain.GraphStatusError, execErr)
		return false
	}

	next := s.graph.Next(node.ID, result.Route())
	if next == "" {
		e.finish(s, domain.GraphStatusComplete, nil)
		return false
	}
	if err := e.state.SetCurrentNode(s.taskID, next); err != nil {
		e.finish(s, domain.GraphStatusError, err)
		return false
	}
	e.persistTransition(s.taskID)
	return true
}

// runNode executes node unless an earlier run already finished it, in which
// case the recorded output is replayed for routing.
func (e *Engine) runNode(ctx context.Context, s *session, node domain.Node) (*domain.NodeResult, bool, error) {
	status, err := e.state.GetNodeStatus(s.taskID, node.ID)
	if err != nil {
		return nil, false, err
	}
	if status == domain.NodeStatusComplete || status == domain.NodeStatusSkipped {
		out, _ := e.state.GetNodeOutput(s.taskID, node.ID)
		output, _ := out.(map[string]any)
		return &domain.NodeResult{
			NodeID:   node.ID,
			NodeType: node.Type,
			Status:   status,
			Success:  true,
			Output:   output,
		}, true, nil
	}

	execCtx, err := e.state.Context(s.taskID)
	if err != nil {
		return nil, false, err
	}
	result, err := e.executor.Execute(ctx, s.taskID, node, execCtx)
	if result != nil {
		e.telemetry.nodeExecuted(ctx, result, result.Duration)
	}
	return result, false, err
}

func (e *Engine) emitNode(s *session, node domain.Node, result *domain.NodeResult) {
	ev := domain.TaskEvent{
		Type:     domain.EventNodeCompleted,
		TaskID:   s.taskID,
		ParentID: s.parentID,
		NodeID:   node.ID,
		Status:   string(result.Status),
		Data:     map[string]any{"node_type": string(node.Type), "mocked": result.Mocked},
	}
	if result.Status == domain.NodeStatusFailed {
		ev.Type = domain.EventNodeFailed
		ev.Error = result.Error
	}
	e.emit(ev)
}

func correction(node domain.Node, result *domain.NodeResult) map[string]any {
	c := map[string]any{
		"node_id":         node.ID,
		"fallback_action": node.FallbackAction,
		"error":           result.Error,
	}
	if result.Fallback != nil && result.Fallback.Output != nil {
		c["output"] = domain.CloneMap(result.Fallback.Output)
	}
	return c
}

// finish moves s to a terminal status once. Main graphs that complete or
// fail are reported; every finished task is handed to cleanup except
// cancelled ones, which the caller reclaims immediately.
func (e *Engine) finish(s *session, status domain.GraphStatus, cause error) {
	e.mu.Lock()
	if s.finished {
		e.mu.Unlock()
		return
	}
	s.finished = true
	s.err = cause
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if e.main == s {
		e.main = nil
	}
	if e.inserted == s {
		e.inserted = nil
	}
	path := append([]string(nil), s.path...)
	corrections := append([]any(nil), s.corrections...)
	e.mu.Unlock()

	if status == domain.GraphStatusComplete {
		e.skipUnreached(s)
	}
	if err := e.state.SetTaskStatus(s.taskID, status); err != nil {
		e.logger.Warn("terminal status not recorded", "task_id", s.taskID, "status", status, "error", err)
	}
	e.persistTransition(s.taskID)

	switch status {
	case domain.GraphStatusComplete:
		e.metrics.IncrementGraphsCompleted()
	case domain.GraphStatusError:
		e.metrics.IncrementGraphsFailed()
	case domain.GraphStatusCancelled:
		e.metrics.IncrementGraphsCancelled()
	}
	inserted := s.parentID != ""
	e.telemetry.graphFinished(e.ctx, status, inserted)

	summary, err := e.state.Summary(s.taskID)
	if err != nil {
		e.logger.Warn("task summary unavailable", "task_id", s.taskID, "error", err)
	}
	e.logger.Info("task graph finished",
		"task_id", s.taskID,
		"status", status,
		"progress", summary.Progress,
		"nodes_completed", summary.NodesCompleted,
		"nodes_failed", summary.NodesFailed,
		"duration_s", summary.Duration)

	if !inserted && (status == domain.GraphStatusComplete || status == domain.GraphStatusError) {
		e.submitReport(e.buildReport(s.graph, summary, path, corrections))
	}
	if status != domain.GraphStatusCancelled && e.cleanup != nil {
		e.cleanup.Schedule(s.taskID)
	}
	ev := domain.TaskEvent{
		Type:     domain.EventTaskFinished,
		TaskID:   s.taskID,
		ParentID: s.parentID,
		Status:   string(status),
		Data:     map[string]any{"progress": summary.Progress, "path": path},
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.emit(ev)
	close(s.done)

	if inserted {
		e.endInsertion(s, status)
	}
}

// skipUnreached marks nodes the chosen route never visited as skipped.
func (e *Engine) skipUnreached(s *session) {
	for _, id := range s.graph.NodeIDs() {
		status, err := e.state.GetNodeStatus(s.taskID, id)
		if err != nil || status != domain.NodeStatusPending {
			continue
		}
		if err := e.state.SkipNode(s.taskID, id); err != nil {
			e.logger.Debug("node not skipped", "task_id", s.taskID, "node_id", id, "error", err)
		}
	}
}

func (e *Engine) buildReport(graph *domain.TaskGraph, summary domain.TaskSummary, path []string, corrections []any) domain.Report {
	name := graph.Name
	if name == "" {
		name = graph.Goal
	}
	if path == nil {
		path = []string{}
	}
	if corrections == nil {
		corrections = []any{}
	}
	failed := summary.FailedNodes
	if failed == nil {
		failed = []string{}
	}
	return domain.Report{
		ID:             uuid.NewString(),
		TaskID:         summary.TaskID,
		UserID:         e.userID,
		GraphName:      name,
		Scene:          graph.SceneType,
		ExecutionPath:  path,
		FailedNodes:    failed,
		Corrections:    corrections,
		Duration:       summary.Duration,
		Status:         summary.Status,
		Progress:       summary.Progress,
		NodesTotal:     summary.NodesTotal,
		NodesCompleted: summary.NodesCompleted,
		CreatedAt:      e.now(),
	}
}

// submitReport uploads in the background; failures stay in the uploader's
// outbox and never affect the task outcome.
func (e *Engine) submitReport(report domain.Report) {
	if e.reports == nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if err := e.reports.Upload(e.ctx, report); err != nil {
			e.logger.Warn("task report not delivered", "task_id", report.TaskID, "error", err)
		}
	}()
}

func timeoutError(taskID string, idle time.Duration) error {
	return fmt.Errorf("%w: task %s made no progress for %s", domain.ErrTimeout, taskID, idle)
}
