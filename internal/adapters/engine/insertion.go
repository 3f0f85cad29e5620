package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

func newInsertedID(graphID string) string {
	return domain.InsertedTaskPrefix + graphID + "_" + uuid.NewString()[:8]
}

// Insert pauses the running main task graphID and runs inserted on top of
// it. When the insertion ends, however it ends, the main task's cached
// outputs are restored and it resumes at returnPoint, which defaults to
// the node that was interrupted.
func (e *Engine) Insert(ctx context.Context, graphID string, inserted *domain.TaskGraph, returnPoint string) (string, error) {
	if inserted == nil || len(inserted.Nodes) == 0 {
		return "", fmt.Errorf("%w: insertion graph has no nodes", domain.ErrInvalidInput)
	}
	inserted.Seal()
	insertedID := newInsertedID(inserted.GraphID)

	e.mu.Lock()
	if e.frozen {
		e.mu.Unlock()
		return "", domain.ErrFailsafeActive
	}
	main, ok := e.sessions[graphID]
	if !ok || main.finished || main != e.main {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, graphID)
	}
	if e.inserted != nil {
		active := e.inserted.taskID
		e.mu.Unlock()
		e.metrics.IncrementInsertionsRejected()
		e.telemetry.insertionRejected(ctx)
		e.logger.Warn("nested insertion rejected", "active_id", active, "requested_id", insertedID)
		return "", &domain.NestingRejectedError{ActiveID: active, RequestedID: insertedID}
	}
	if status, err := e.state.GetTaskStatus(graphID); err != nil || status != domain.GraphStatusRunning || main.stop == nil {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, graphID)
	}
	current, err := e.state.CurrentNode(graphID)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	if node, ok := main.graph.Node(current); ok && !main.graph.Interruptible(node.Type) {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: node %s is %s", domain.ErrNotInterruptible, node.ID, node.Type)
	}
	if returnPoint != "" {
		if _, ok := main.graph.Node(returnPoint); !ok {
			e.mu.Unlock()
			return "", &domain.UnknownNodeError{TaskID: graphID, NodeID: returnPoint}
		}
	}
	exited := e.stopDriveLocked(main)
	e.mu.Unlock()

	if err := waitExit(ctx, exited); err != nil {
		e.logger.Warn("main node still running at insertion", "task_id", graphID, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if main.finished {
		return "", fmt.Errorf("%w: %s finished before the insertion", domain.ErrTaskNotRunning, graphID)
	}
	// The main graph may resume anywhere, so the interrupted node must not
	// stay running.
	e.resetInterruptedLocked(main)
	if returnPoint == "" {
		if returnPoint, err = e.state.CurrentNode(graphID); err != nil {
			e.resumeLocked(main)
			return "", err
		}
	}

	snapshotID := domain.InsertSnapshotID(insertedID)
	if e.cache != nil {
		e.cache.Snapshot(snapshotID, domain.CacheTaskKeyPrefix(graphID))
	}
	metadata := map[string]any{"graph_id": inserted.GraphID, "goal": inserted.Goal}
	if _, err := e.insertion.Register(graphID, insertedID, returnPoint, 0, metadata); err != nil {
		if e.cache != nil {
			e.cache.ClearSnapshot(snapshotID)
		}
		if domain.IsNestingRejected(err) {
			e.metrics.IncrementInsertionsRejected()
			e.telemetry.insertionRejected(ctx)
		}
		e.resumeLocked(main)
		return "", err
	}

	if err := e.initInserted(insertedID, inserted); err != nil {
		if _, ok := e.insertion.Info(); ok {
			e.insertion.Discard()
		}
		e.state.ResumeFromInsertedTask(graphID)
		if e.cache != nil {
			e.cache.ClearSnapshot(snapshotID)
		}
		e.resumeLocked(main)
		return "", err
	}

	s := newSession(inserted, insertedID, graphID)
	e.sessions[insertedID] = s
	e.inserted = s
	e.metrics.IncrementInsertionsStarted()
	e.persistTransition(graphID)

	e.logger.Info("insertion started",
		"task_id", graphID,
		"inserted_id", insertedID,
		"goal", inserted.Goal,
		"return_point", returnPoint)
	e.emit(domain.TaskEvent{
		Type:     domain.EventInsertionStarted,
		TaskID:   insertedID,
		ParentID: graphID,
		NodeID:   returnPoint,
		Status:   string(domain.InsertionActive),
		Data:     map[string]any{"goal": inserted.Goal},
	})

	e.startDriveLocked(s)
	return insertedID, nil
}

func (e *Engine) initInserted(insertedID string, graph *domain.TaskGraph) error {
	if err := e.state.Init(insertedID, graph.NodeIDs(), ports.WithReplace()); err != nil {
		return err
	}
	if err := e.state.SetCurrentNode(insertedID, graph.Entry()); err != nil {
		return err
	}
	return e.state.SetTaskStatus(insertedID, domain.GraphStatusRunning)
}

// CompleteInsertion ends the insertion early as completed.
func (e *Engine) CompleteInsertion(_ context.Context, insertedID string) error {
	_, err := e.insertion.Complete(insertedID)
	return err
}

// CancelInsertion abandons the insertion. The main task always resumes.
func (e *Engine) CancelInsertion(_ context.Context, insertedID string) error {
	_, err := e.insertion.Cancel(insertedID)
	return err
}

// endInsertion tells the controller that the inserted drive ended on its
// own. The controller then fires onInsertionEnded.
func (e *Engine) endInsertion(s *session, status domain.GraphStatus) {
	var err error
	if status == domain.GraphStatusComplete {
		_, err = e.insertion.Complete(s.taskID)
	} else {
		_, err = e.insertion.Cancel(s.taskID)
	}
	if err != nil && !errors.Is(err, domain.ErrInsertionNotActive) {
		e.logger.Warn("insertion end not recorded", "inserted_id", s.taskID, "error", err)
	}
}

// onInsertionEnded runs for every insertion outcome: completed, cancelled
// or expired. It stops the inserted drive if still going, restores the
// parent's cache entries and resumes the parent at the resume point.
func (e *Engine) onInsertionEnded(ev domain.ResumeEvent) {
	e.telemetry.insertionEnded(e.ctx, ev.Outcome)
	e.emit(domain.TaskEvent{
		Type:     domain.EventInsertionEnded,
		TaskID:   ev.InsertedID,
		ParentID: ev.ParentID,
		NodeID:   ev.ResumeNodeID,
		Status:   string(ev.Outcome),
	})

	e.mu.Lock()
	s := e.sessions[ev.InsertedID]
	var exited <-chan struct{}
	if s != nil && !s.finished {
		exited = e.stopDriveLocked(s)
	}
	e.mu.Unlock()

	if exited != nil {
		<-exited
		status := domain.GraphStatusCancelled
		if ev.Outcome == domain.InsertionCompleted {
			status = domain.GraphStatusComplete
		}
		e.finish(s, status, nil)
	}

	if e.cache != nil {
		snapshotID := domain.InsertSnapshotID(ev.InsertedID)
		if !e.cache.Restore(snapshotID) {
			e.logger.Warn("insertion cache snapshot missing", "inserted_id", ev.InsertedID)
		}
		e.cache.ClearSnapshot(snapshotID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	main := e.sessions[ev.ParentID]
	if main == nil || main.finished || main.stop != nil {
		return
	}
	if e.frozen {
		if err := e.state.SetTaskStatus(ev.ParentID, domain.GraphStatusPaused); err != nil {
			e.logger.Warn("frozen parent not paused", "task_id", ev.ParentID, "error", err)
		}
		return
	}
	if status, err := e.state.GetTaskStatus(ev.ParentID); err == nil && status != domain.GraphStatusRunning {
		if err := e.state.SetTaskStatus(ev.ParentID, domain.GraphStatusRunning); err != nil {
			e.logger.Warn("parent not resumed", "task_id", ev.ParentID, "error", err)
			return
		}
	}

	e.logger.Info("main task resumed after insertion",
		"task_id", ev.ParentID,
		"inserted_id", ev.InsertedID,
		"outcome", ev.Outcome,
		"resume_node", ev.ResumeNodeID)
	e.persistTransition(ev.ParentID)
	e.resumeLocked(main)
}
