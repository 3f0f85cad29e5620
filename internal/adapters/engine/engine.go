package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

type NodeExecutor interface {
	Execute(ctx context.Context, taskID string, node domain.Node, execCtx map[string]any) (*domain.NodeResult, error)
}

type InsertionController interface {
	Register(parentID, insertedID, resumeNodeID string, timeout time.Duration, metadata map[string]any) (*domain.InsertedTaskInfo, error)
	Complete(insertedID string) (string, error)
	Cancel(insertedID string) (string, error)
	Discard() bool
	Info() (*domain.InsertedTaskInfo, bool)
	OnResume(fn func(domain.ResumeEvent))
}

type CleanupScheduler interface {
	Schedule(taskID string)
	Postpone(taskID string) bool
	Cancel(taskID string) error
	ReclaimNow(ctx context.Context, taskID string) error
	AddReclaimer(r ports.Reclaimer)
}

// Engine drives one main task graph at a time, node by node, and runs at
// most one insertion graph on top of it.
type Engine struct {
	cfg       domain.EngineConfig
	state     ports.StatePort
	cache     ports.CachePort
	executor  NodeExecutor
	insertion InsertionController
	cleanup   CleanupScheduler
	reports   ports.ReportUploader
	events    ports.EventSink
	metrics   *domain.ExecutionMetrics
	telemetry *telemetry
	logger    *slog.Logger
	now       func() time.Time
	userID    string
	meter     metric.Meter

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu       sync.Mutex
	graphs   map[string]*domain.TaskGraph
	sessions map[string]*session
	main     *session
	inserted *session
	frozen   bool
	frozenCh chan struct{}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(metrics *domain.ExecutionMetrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(e *Engine) {
		e.meter = meter
	}
}

func WithUserID(userID string) Option {
	return func(e *Engine) {
		e.userID = userID
	}
}

func WithReportUploader(uploader ports.ReportUploader) Option {
	return func(e *Engine) {
		e.reports = uploader
	}
}

// WithEvents publishes lifecycle events to sink.
func WithEvents(sink ports.EventSink) Option {
	return func(e *Engine) {
		e.events = sink
	}
}

// WithCleanup schedules reclaim of finished tasks. The engine registers
// itself as a reclaimer on the scheduler.
func WithCleanup(scheduler CleanupScheduler) Option {
	return func(e *Engine) {
		e.cleanup = scheduler
	}
}

func New(cfg domain.EngineConfig, state ports.StatePort, cache ports.CachePort, executor NodeExecutor, insertion InsertionController, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if state == nil || executor == nil || insertion == nil {
		return nil, fmt.Errorf("%w: engine needs state, executor and insertion controller", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultEngineConfig()
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = defaults.ProgressTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaults.WatchdogInterval
	}
	if cfg.StateRetention < 0 {
		cfg.StateRetention = 0
	}

	e := &Engine{
		cfg:       cfg,
		state:     state,
		cache:     cache,
		executor:  executor,
		insertion: insertion,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
		graphs:    make(map[string]*domain.TaskGraph),
		sessions:  make(map[string]*session),
		frozenCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = domain.NewExecutionMetrics()
	}
	e.telemetry = newTelemetry(e.meter)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	insertion.OnResume(e.onInsertionEnded)
	if e.cleanup != nil {
		e.cleanup.AddReclaimer(e)
	}
	return e, nil
}

// Register makes graph available to Start. Re-registering an id replaces
// the definition for future runs.
func (e *Engine) Register(graph *domain.TaskGraph) error {
	if graph == nil || graph.GraphID == "" {
		return domain.NewValidationError("graph_id", "required")
	}
	if len(graph.Nodes) == 0 {
		return domain.NewValidationError("nodes", "at least one node is required")
	}
	graph.Seal()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[graph.GraphID] = graph

	e.logger.Debug("task graph registered",
		"graph_id", graph.GraphID,
		"nodes", len(graph.Nodes))
	return nil
}

func (e *Engine) ListGraphs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.graphs))
	for id := range e.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches graphID in the background. The task id equals the graph id.
func (e *Engine) Start(ctx context.Context, graphID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return domain.ErrFailsafeActive
	}
	graph, ok := e.graphs[graphID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrGraphNotRegistered, graphID)
	}
	if e.main != nil && !e.main.finished {
		return fmt.Errorf("%w: %s", domain.ErrMainGraphActive, e.main.taskID)
	}

	if e.cleanup != nil {
		_ = e.cleanup.Cancel(graphID)
	}
	if err := e.state.Init(graphID, graph.NodeIDs(), ports.WithReplace()); err != nil {
		return err
	}
	if err := e.state.SetCurrentNode(graphID, graph.Entry()); err != nil {
		return err
	}
	if err := e.state.SetTaskStatus(graphID, domain.GraphStatusRunning); err != nil {
		return err
	}

	s := newSession(graph, graphID, "")
	e.sessions[graphID] = s
	e.main = s
	e.metrics.IncrementGraphsStarted()
	e.persistTransition(graphID)

	e.logger.Info("task graph started",
		"task_id", graphID,
		"goal", graph.Goal,
		"nodes", len(graph.Nodes))
	e.emit(domain.TaskEvent{Type: domain.EventTaskStarted, TaskID: graphID, Status: string(domain.GraphStatusRunning)})

	e.startDriveLocked(s)
	return nil
}

// Run starts graphID and blocks until it ends. If ctx ends first the graph
// is cancelled.
func (e *Engine) Run(ctx context.Context, graphID string) error {
	if err := e.Start(ctx, graphID); err != nil {
		return err
	}
	err := e.Wait(ctx, graphID)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if cErr := e.Cancel(context.WithoutCancel(ctx), graphID); cErr != nil {
			e.logger.Warn("cancel after context end failed", "task_id", graphID, "error", cErr)
		}
	}
	return err
}

// Wait blocks until taskID reaches a terminal status and returns the error
// that ended it, if any. A failsafe freeze releases waiters with
// ErrFailsafeActive.
func (e *Engine) Wait(ctx context.Context, taskID string) error {
	e.mu.Lock()
	s, ok := e.sessions[taskID]
	frozen := e.frozenCh
	e.mu.Unlock()
	if !ok {
		return &domain.UnknownTaskError{TaskID: taskID}
	}

	select {
	case <-s.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return s.err
	case <-frozen:
		return domain.ErrFailsafeActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Pause(ctx context.Context, taskID string) error {
	e.mu.Lock()
	s, ok := e.sessions[taskID]
	if !ok || s.finished || s.stop == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, taskID)
	}
	exited := e.stopDriveLocked(s)
	e.mu.Unlock()

	if err := waitExit(ctx, exited); err != nil {
		e.logger.Warn("node still running while pausing", "task_id", taskID, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.finished {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, taskID)
	}
	if err := e.state.SetTaskStatus(taskID, domain.GraphStatusPaused); err != nil {
		return err
	}
	e.persistTransition(taskID)
	e.logger.Info("task graph paused", "task_id", taskID)
	e.emit(domain.TaskEvent{Type: domain.EventTaskPaused, TaskID: taskID, Status: string(domain.GraphStatusPaused)})
	return nil
}

func (e *Engine) Resume(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return domain.ErrFailsafeActive
	}
	s, ok := e.sessions[taskID]
	if !ok || s.finished {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, taskID)
	}
	if s.stop != nil {
		return nil
	}
	if e.inserted != nil && e.inserted.parentID == taskID {
		return fmt.Errorf("%w: insertion %s is still running", domain.ErrInvalidInput, e.inserted.taskID)
	}
	status, err := e.state.GetTaskStatus(taskID)
	if err != nil {
		return err
	}
	if status != domain.GraphStatusPaused {
		return fmt.Errorf("%w: %s is %s", domain.ErrTaskNotRunning, taskID, status)
	}
	if err := e.state.SetTaskStatus(taskID, domain.GraphStatusRunning); err != nil {
		return err
	}

	e.logger.Info("task graph resumed", "task_id", taskID)
	e.emit(domain.TaskEvent{Type: domain.EventTaskResumed, TaskID: taskID, Status: string(domain.GraphStatusRunning)})
	e.resumeLocked(s)
	return nil
}

// Cancel stops taskID and any insertion on top of it, and reclaims the
// task immediately. Cancelling an insertion id resumes its parent instead.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	if domain.IsInsertedTask(taskID) {
		return e.CancelInsertion(ctx, taskID)
	}

	e.mu.Lock()
	s, ok := e.sessions[taskID]
	if !ok || s.finished {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotRunning, taskID)
	}
	exits := []<-chan struct{}{e.stopDriveLocked(s)}
	child := e.inserted
	if child != nil && child.parentID == taskID {
		exits = append(exits, e.stopDriveLocked(child))
		e.insertion.Discard()
	} else {
		child = nil
	}
	e.mu.Unlock()

	for _, exited := range exits {
		if err := waitExit(ctx, exited); err != nil {
			e.logger.Warn("node still running while cancelling", "task_id", taskID, "error", err)
			break
		}
	}

	if child != nil {
		e.finish(child, domain.GraphStatusCancelled, context.Canceled)
		if e.cache != nil {
			e.cache.ClearSnapshot(domain.InsertSnapshotID(child.taskID))
		}
	}
	e.finish(s, domain.GraphStatusCancelled, context.Canceled)

	var errs []error
	for _, id := range reclaimIDs(taskID, child) {
		if err := e.reclaim(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func reclaimIDs(taskID string, child *session) []string {
	if child == nil {
		return []string{taskID}
	}
	return []string{child.taskID, taskID}
}

func (e *Engine) reclaim(ctx context.Context, taskID string) error {
	if e.cleanup != nil {
		return e.cleanup.ReclaimNow(ctx, taskID)
	}
	return e.Reclaim(ctx, taskID)
}

// Status summarizes taskID. Reading a finished task postpones its cleanup.
func (e *Engine) Status(taskID string) (domain.TaskSummary, error) {
	summary, err := e.state.Summary(taskID)
	if err != nil {
		return summary, err
	}
	if e.cleanup != nil && summary.Status.Terminal() {
		e.cleanup.Postpone(taskID)
	}
	return summary, nil
}

// ActiveTaskID names the main task a failsafe trigger should capture.
func (e *Engine) ActiveTaskID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.main == nil || e.main.finished {
		return ""
	}
	return e.main.taskID
}

func (e *Engine) Info() domain.EngineInfo {
	info := domain.EngineInfo{
		Graphs:       e.ListGraphs(),
		ActiveTaskID: e.ActiveTaskID(),
		Metrics:      e.metrics.GetSnapshot(),
	}
	if current, ok := e.insertion.Info(); ok {
		info.Insertion = current
	}
	e.mu.Lock()
	info.Frozen = e.frozen
	e.mu.Unlock()
	return info
}

func (e *Engine) Metrics() *domain.ExecutionMetrics {
	return e.metrics
}

// Freeze halts every drive after a failsafe trigger. The main task is left
// paused so the recovery flow can resume it after a restart.
func (e *Engine) Freeze(record *domain.FailureRecord) {
	e.mu.Lock()
	if e.frozen {
		e.mu.Unlock()
		return
	}
	e.frozen = true
	close(e.frozenCh)

	var exits []<-chan struct{}
	var paused []*session
	for _, s := range []*session{e.inserted, e.main} {
		if s == nil || s.finished {
			continue
		}
		exits = append(exits, e.stopDriveLocked(s))
		paused = append(paused, s)
	}
	e.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(context.Background(), freezeExitTimeout)
	for i, exited := range exits {
		if err := waitExit(waitCtx, exited); err != nil {
			e.logger.Warn("drive still running after freeze", "task_id", paused[i].taskID, "error", err)
		}
	}
	cancel()
	for _, s := range paused {
		if err := e.state.SetTaskStatus(s.taskID, domain.GraphStatusPaused); err != nil {
			e.logger.Warn("frozen task not paused", "task_id", s.taskID, "error", err)
		}
	}

	attrs := []any{"tasks", len(paused)}
	if record != nil {
		attrs = append(attrs, "reason", record.Reason, "module", record.ModuleName, "record_id", record.ID)
	}
	e.logger.Error("engine frozen by failsafe", attrs...)

	ev := domain.TaskEvent{Type: domain.EventFailsafeTriggered}
	if len(paused) > 0 {
		ev.TaskID = paused[len(paused)-1].taskID
	}
	if record != nil {
		ev.Error = record.Reason
		ev.Data = map[string]any{"module": record.ModuleName, "record_id": record.ID}
	}
	e.emit(ev)
}

// Thaw lifts a freeze. Paused tasks stay paused until Resume.
func (e *Engine) Thaw() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.frozen {
		return
	}
	e.frozen = false
	e.frozenCh = make(chan struct{})
	e.logger.Info("engine thawed")
}

func (e *Engine) Frozen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen
}

// ResumeRecovered continues a task whose state the recovery flow adopted.
// Any insertion that was in flight is dropped.
func (e *Engine) ResumeRecovered(ctx context.Context, graph *domain.TaskGraph, result *domain.RecoveryResult) error {
	if result == nil {
		return fmt.Errorf("%w: nil recovery result", domain.ErrInvalidInput)
	}
	if err := e.Register(graph); err != nil {
		return err
	}
	if result.TaskID != graph.GraphID {
		return fmt.Errorf("%w: recovered task %s does not match graph %s", domain.ErrInvalidInput, result.TaskID, graph.GraphID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return domain.ErrFailsafeActive
	}
	if e.main != nil && !e.main.finished {
		return fmt.Errorf("%w: %s", domain.ErrMainGraphActive, e.main.taskID)
	}
	if !e.state.Exists(result.TaskID) {
		return &domain.UnknownTaskError{TaskID: result.TaskID}
	}
	e.insertion.Discard()

	if result.Status.Terminal() {
		if e.cleanup != nil {
			e.cleanup.Schedule(result.TaskID)
		}
		return nil
	}

	if result.ResumeNodeID != "" {
		if _, ok := graph.Node(result.ResumeNodeID); !ok {
			return &domain.UnknownNodeError{TaskID: result.TaskID, NodeID: result.ResumeNodeID}
		}
		if err := e.state.SetCurrentNode(result.TaskID, result.ResumeNodeID); err != nil {
			return err
		}
	}
	if err := e.state.SetTaskStatus(result.TaskID, domain.GraphStatusRunning); err != nil {
		return err
	}

	s := newSession(graph, result.TaskID, "")
	if snap, err := e.state.Snapshot(result.TaskID); err == nil {
		for _, id := range snap.NodeOrder {
			if n := snap.Nodes[id]; n != nil && (n.Status == domain.NodeStatusComplete || n.Status == domain.NodeStatusFailed) {
				s.path = append(s.path, id)
			}
		}
	}
	e.sessions[result.TaskID] = s
	e.main = s

	e.logger.Info("recovered task graph resumed",
		"task_id", result.TaskID,
		"resume_node", result.ResumeNodeID)
	e.emit(domain.TaskEvent{
		Type:   domain.EventTaskRecovered,
		TaskID: result.TaskID,
		NodeID: result.ResumeNodeID,
		Status: string(domain.GraphStatusRunning),
	})
	e.resumeLocked(s)
	return nil
}

func (e *Engine) emit(ev domain.TaskEvent) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.events.Publish(ev)
}

// Reclaim drops the live state, cached outputs and persisted snapshots of
// a finished task.
func (e *Engine) Reclaim(_ context.Context, taskID string) error {
	e.mu.Lock()
	if s, ok := e.sessions[taskID]; ok {
		if !s.finished {
			e.mu.Unlock()
			e.logger.Info("skipping reclaim of active task", "task_id", taskID)
			return nil
		}
		delete(e.sessions, taskID)
	}
	e.mu.Unlock()

	e.state.Remove(taskID)
	if e.cache != nil {
		e.cache.ClearPrefix(domain.CacheTaskKeyPrefix(taskID))
		e.cache.ClearSnapshot(domain.InsertSnapshotID(taskID))
	}
	n, err := e.state.DeletePersisted(taskID)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", taskID, err)
	}
	e.logger.Debug("task reclaimed", "task_id", taskID, "snapshots_deleted", n)
	return nil
}

// Close stops every drive and waits for background report uploads.
func (e *Engine) Close() error {
	e.cancel()
	e.bg.Wait()
	return nil
}

func (e *Engine) persistTransition(taskID string) {
	if e.cfg.DisableTransitionPersist {
		return
	}
	key, err := e.state.Persist(taskID)
	if err != nil {
		e.logger.Warn("task state not persisted, continuing in memory", append([]any{"task_id", taskID}, errorLogAttrs(err)...)...)
		return
	}
	if e.cfg.StateRetention > 0 {
		if _, err := e.state.Prune(taskID, e.cfg.StateRetention); err != nil {
			e.logger.Warn("old task states not pruned", "task_id", taskID, "key", key, "error", err)
		}
	}
}

// freezeExitTimeout bounds how long Freeze waits for a drive whose current
// call ignores cancellation.
const freezeExitTimeout = 5 * time.Second

func waitExit(ctx context.Context, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
