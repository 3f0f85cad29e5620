package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

const (
	EventChoiceResume  = "choice_resume"
	EventChoiceDiscard = "choice_discard"
	EventRecovered     = "recovered"
	EventFailed        = "recovery_failed"
	EventReset         = "reset"
)

// Flow runs once at startup: it looks for a pending failure record, asks the
// user whether to continue, and either restores the interrupted task or wipes
// back to a clean slate.
type Flow struct {
	cfg      domain.RecoveryConfig
	records  ports.FailureRecordStore
	state    ports.StatePort
	cache    ports.CachePort
	failsafe ports.FailsafeController
	prompter ports.RecoveryPrompter
	log      *Log
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	phase domain.RecoveryPhase
}

type Option func(*Flow)

func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

func WithPrompter(p ports.RecoveryPrompter) Option {
	return func(f *Flow) {
		f.prompter = p
	}
}

func WithFailsafe(c ports.FailsafeController) Option {
	return func(f *Flow) {
		f.failsafe = c
	}
}

func WithLog(l *Log) Option {
	return func(f *Flow) {
		f.log = l
	}
}

func NewFlow(cfg domain.RecoveryConfig, records ports.FailureRecordStore, state ports.StatePort, cache ports.CachePort, logger *slog.Logger, opts ...Option) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flow{
		cfg:     cfg,
		records: records,
		state:   state,
		cache:   cache,
		logger:  logger.With("component", "recovery-flow"),
		now:     time.Now,
		phase:   domain.RecoveryPhaseCheck,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = NewLog(nil, cfg.LogLimit, logger)
	}
	return f
}

func (f *Flow) Phase() domain.RecoveryPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *Flow) setPhase(p domain.RecoveryPhase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
	f.logger.Debug("recovery phase", "phase", p)
}

func (f *Flow) Logs() ([]domain.RecoveryLogEntry, error) {
	return f.log.Entries()
}

// CheckRestartContext reports whether a failure record is waiting. Storage
// errors count as no context.
func (f *Flow) CheckRestartContext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	pending, err := f.records.HasPending()
	if err != nil {
		f.logger.Error("restart context check failed", "error", err)
		return false
	}
	return pending
}

func (f *Flow) GetRestartContext(ctx context.Context) (*domain.FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.records.Pending()
}

// PromptForRecovery asks the prompter, or falls back to AutoResume. A
// prompter error counts as a refusal.
func (f *Flow) PromptForRecovery(ctx context.Context, record *domain.FailureRecord) bool {
	f.setPhase(domain.RecoveryPhasePrompt)

	choice := f.cfg.AutoResume
	if f.prompter != nil {
		answer, err := f.prompter.PromptRecovery(ctx, record)
		if err != nil {
			f.logger.Warn("recovery prompt failed", "task_id", record.TaskID, "error", err)
			answer = false
		}
		choice = answer
	}

	event := EventChoiceDiscard
	if choice {
		event = EventChoiceResume
	}
	f.appendLog(event, record.TaskID, true, record.Reason)
	f.logger.Info("recovery choice", "task_id", record.TaskID, "resume", choice)
	return choice
}

// ExecuteRecovery restores the task named by record. Any failure resets to a
// fresh state and returns a CorruptedRecoveryStateError.
func (f *Flow) ExecuteRecovery(ctx context.Context, record *domain.FailureRecord) (*domain.RecoveryResult, error) {
	f.setPhase(domain.RecoveryPhaseResume)

	result, err := f.guarded(func() (*domain.RecoveryResult, error) {
		return f.restore(ctx, record)
	})
	if err == nil {
		f.appendLog(EventRecovered, result.TaskID, true, "resume at "+result.ResumeNodeID)
		f.logger.Info("task recovered",
			"task_id", result.TaskID,
			"resume_node", result.ResumeNodeID)
		return result, nil
	}

	taskID := ""
	key := domain.FailureRecordKey
	if record != nil {
		taskID = record.TaskID
		if record.StateKey != "" {
			key = record.StateKey
		}
	}
	f.appendLog(EventFailed, taskID, false, err.Error())
	f.logger.Error("recovery failed, resetting", "task_id", taskID, "error", err)

	if resetErr := f.ResetToFreshState(ctx); resetErr != nil {
		f.logger.Error("reset after failed recovery incomplete", "error", resetErr)
	}

	var corrupt *domain.CorruptedRecoveryStateError
	if errors.As(err, &corrupt) {
		return nil, err
	}
	return nil, &domain.CorruptedRecoveryStateError{Key: key, Err: err}
}

func (f *Flow) guarded(fn func() (*domain.RecoveryResult, error)) (result *domain.RecoveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			f.logger.Error("recovery panicked", "panic", r, "stack", string(buf[:n]))
			result = nil
			err = fmt.Errorf("recovery panicked: %v", r)
		}
	}()
	return fn()
}

func (f *Flow) restore(ctx context.Context, record *domain.FailureRecord) (*domain.RecoveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if record == nil || record.StateKey == "" {
		return nil, &domain.CorruptedRecoveryStateError{
			Key: domain.FailureRecordKey,
			Err: errors.New("failure record has no persisted task state"),
		}
	}

	st, err := f.state.Load(record.StateKey)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, &domain.CorruptedRecoveryStateError{Key: record.StateKey, Err: domain.ErrNotFound}
	}

	// Insertions are never resumed; the main graph picks up where it paused.
	if st.InsertedTask.IsActive {
		f.logger.Info("discarding insertion in flight",
			"task_id", st.TaskID,
			"inserted_id", st.InsertedTask.InsertedTaskID)
		if resume := st.InsertedTask.PausedMainNode; resume != "" {
			st.CurrentNodeID = resume
		}
		st.InsertedTask = domain.InsertedTaskState{}
	}
	if !st.GraphStatus.Terminal() {
		now := f.now()
		st.GraphStatus = domain.GraphStatusPaused
		st.PausedAt = &now
	}

	if err := f.state.Adopt(st); err != nil {
		return nil, err
	}
	for _, nodeID := range st.NodesWithStatus(domain.NodeStatusRunning) {
		if err := f.state.ResetNode(st.TaskID, nodeID); err != nil {
			return nil, err
		}
	}

	if snap := record.CacheSnapshot; snap != nil && f.cache != nil {
		f.cache.ImportSnapshot(snap)
		if !f.cache.Restore(snap.ID) {
			f.logger.Warn("cache snapshot not restored", "snapshot_id", snap.ID)
		}
		f.cache.ClearSnapshot(snap.ID)
	}

	if err := f.records.Clear(); err != nil {
		return nil, err
	}
	if f.failsafe != nil {
		f.failsafe.ClearFailsafeMode()
	}

	return &domain.RecoveryResult{
		TaskID:       st.TaskID,
		ResumeNodeID: st.CurrentNodeID,
		Status:       st.GraphStatus,
		Record:       record,
	}, nil
}

// ResetToFreshState drops the failure record, every live task, the cache and
// the failsafe mode. It keeps going past individual failures.
func (f *Flow) ResetToFreshState(ctx context.Context) error {
	f.setPhase(domain.RecoveryPhaseDiscard)

	var errs []error
	record, err := f.records.Pending()
	if err != nil {
		f.logger.Warn("pending record unreadable during reset", "error", err)
	}
	if err := f.records.Clear(); err != nil {
		errs = append(errs, err)
	}

	if f.state != nil {
		for _, id := range f.state.ActiveTaskIDs() {
			f.state.Remove(id)
		}
		if record != nil && record.TaskID != "" {
			f.state.Remove(record.TaskID)
			if _, err := f.state.DeletePersisted(record.TaskID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if f.cache != nil {
		f.cache.ClearAll()
		f.cache.ClearAllSnapshots()
	}
	if f.failsafe != nil {
		f.failsafe.ClearFailsafeMode()
	}

	err = errors.Join(errs...)
	taskID := ""
	if record != nil {
		taskID = record.TaskID
	}
	message := "fresh state"
	if err != nil {
		message = err.Error()
	}
	f.appendLog(EventReset, taskID, err == nil, message)
	f.logger.Info("reset to fresh state", "task_id", taskID)
	return err
}

// Run performs the whole startup flow. It returns nil, nil when nothing was resumed.
func (f *Flow) Run(ctx context.Context) (*domain.RecoveryResult, error) {
	f.setPhase(domain.RecoveryPhaseCheck)

	if !f.CheckRestartContext(ctx) {
		f.setPhase(domain.RecoveryPhaseNone)
		return nil, ctx.Err()
	}

	record, err := f.GetRestartContext(ctx)
	if err != nil {
		f.appendLog(EventFailed, "", false, err.Error())
		if resetErr := f.ResetToFreshState(ctx); resetErr != nil {
			f.logger.Error("reset after unreadable record incomplete", "error", resetErr)
		}
		return nil, err
	}
	if record == nil {
		f.setPhase(domain.RecoveryPhaseNone)
		return nil, nil
	}

	if !record.RecoveryAvailable {
		f.logger.Info("failure record has nothing to resume", "record_id", record.ID, "reason", record.Reason)
		return nil, f.ResetToFreshState(ctx)
	}

	if !f.PromptForRecovery(ctx, record) {
		return nil, f.ResetToFreshState(ctx)
	}
	return f.ExecuteRecovery(ctx, record)
}

func (f *Flow) appendLog(event, taskID string, success bool, message string) {
	err := f.log.Append(domain.RecoveryLogEntry{
		Timestamp: f.now(),
		Event:     event,
		TaskID:    taskID,
		Success:   success,
		Message:   message,
	})
	if err != nil {
		f.logger.Warn("recovery log append failed", "event", event, "error", err)
	}
}
