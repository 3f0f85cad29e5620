package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/luna-badge/taskcore/internal/adapters/breaker"
	"github.com/luna-badge/taskcore/internal/adapters/cache"
	"github.com/luna-badge/taskcore/internal/adapters/cleanup"
	"github.com/luna-badge/taskcore/internal/adapters/engine"
	"github.com/luna-badge/taskcore/internal/adapters/events"
	"github.com/luna-badge/taskcore/internal/adapters/executor"
	"github.com/luna-badge/taskcore/internal/adapters/failsafe"
	"github.com/luna-badge/taskcore/internal/adapters/insertion"
	"github.com/luna-badge/taskcore/internal/adapters/loader"
	"github.com/luna-badge/taskcore/internal/adapters/observability"
	"github.com/luna-badge/taskcore/internal/adapters/recovery"
	"github.com/luna-badge/taskcore/internal/adapters/report"
	"github.com/luna-badge/taskcore/internal/adapters/state"
	"github.com/luna-badge/taskcore/internal/adapters/storage"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// Manager owns every component of one device runtime and the goroutines
// that keep them ticking.
type Manager struct {
	config  *domain.Config
	logger  *slog.Logger
	metrics *domain.ExecutionMetrics

	storage     ports.StoragePort
	ownsStorage bool

	loader    *loader.Loader
	state     *state.Store
	cache     *cache.Cache
	executor  *executor.Executor
	insertion *insertion.Controller
	records   *failsafe.RecordStore
	monitor   *failsafe.Monitor
	recovery  *recovery.Flow
	cleanup   *cleanup.Scheduler
	reports   *report.Uploader
	breaker   *breaker.Breaker
	engine    *engine.Engine
	bus       *events.Bus
	status    *observability.Server

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Status is a combined view for a status screen or a debug endpoint.
type Status = domain.RuntimeStatus

type options struct {
	storage   ports.StoragePort
	submitter ports.ReportSubmitter
	prompter  ports.RecoveryPrompter
	fallback  ports.FallbackHandler
	fetcher   ports.GraphFetcher
	meter     metric.Meter
	now       func() time.Time
}

type Option func(*options)

// WithStorage injects a store instead of opening the configured backend.
// The caller keeps ownership and closes it.
func WithStorage(s ports.StoragePort) Option {
	return func(o *options) {
		o.storage = s
	}
}

func WithReportSubmitter(s ports.ReportSubmitter) Option {
	return func(o *options) {
		o.submitter = s
	}
}

func WithRecoveryPrompter(p ports.RecoveryPrompter) Option {
	return func(o *options) {
		o.prompter = p
	}
}

func WithFallbackHandler(h ports.FallbackHandler) Option {
	return func(o *options) {
		o.fallback = h
	}
}

func WithGraphFetcher(f ports.GraphFetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New(config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	cfg, err := config.WithDefaults()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	logger := cfg.Logger.With("user_id", cfg.UserID)
	if cfg.DeviceID != "" {
		logger = logger.With("device_id", cfg.DeviceID)
	}

	m := &Manager{
		config:  cfg,
		logger:  logger.With("component", "manager"),
		metrics: domain.NewExecutionMetrics(),
		storage: o.storage,
	}

	if m.storage == nil {
		m.storage, err = storage.Open(cfg.Storage, logger)
		if err != nil {
			m.logger.Warn("durable storage unavailable, running in memory",
				"backend", cfg.Storage.Backend,
				"dir", cfg.Storage.Dir,
				"error", err)
			if m.storage, err = storage.OpenInMemory(logger); err != nil {
				return nil, fmt.Errorf("open in-memory storage: %w", err)
			}
		}
		m.ownsStorage = true
	}

	m.loader = loader.New(cfg.GraphDir, logger, loader.WithFetcher(o.fetcher))
	m.state = state.NewStore(m.storage, logger, state.WithClock(o.now))
	m.cache = cache.New(cfg.Cache, logger, cache.WithClock(o.now))
	m.records = failsafe.NewRecordStore(m.storage, cfg.Failsafe.EventLogLimit, logger)
	m.monitor = failsafe.NewMonitor(cfg.Failsafe, m.state, m.cache, m.records, logger,
		failsafe.WithClock(o.now),
		failsafe.WithEventLog(m.records),
		failsafe.WithMetrics(m.metrics))

	execOpts := []executor.Option{executor.WithMetrics(m.metrics), executor.WithClock(o.now)}
	if o.fallback != nil {
		execOpts = append(execOpts, executor.WithFallbackHandler(o.fallback))
	}
	if cfg.Executor.MonitorCollaborators {
		execOpts = append(execOpts, executor.WithHeartbeatSink(m.monitor))
	}
	if m.executor, err = executor.New(cfg.Executor, m.state, m.cache, logger, execOpts...); err != nil {
		m.closeStorage()
		return nil, err
	}

	m.insertion = insertion.NewController(cfg.Insertion, m.state, logger, insertion.WithClock(o.now))
	m.cleanup = cleanup.NewScheduler(cfg.Cleanup, logger, cleanup.WithClock(o.now))

	submitter := o.submitter
	if submitter == nil && cfg.Report.Endpoint != "" {
		submitter = report.NewHTTPSubmitter(cfg.Report.Endpoint, cfg.Report.Timeout, nil)
	}
	if submitter != nil && !cfg.Report.Breaker.Disabled {
		m.breaker = breaker.New("report-submit", cfg.Report.Breaker, logger, breaker.WithClock(o.now))
		submitter = breaker.NewSubmitter(submitter, m.breaker)
	}
	m.reports = report.NewUploader(cfg.Report, submitter, m.storage, logger, report.WithClock(o.now))

	meter := o.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(cfg.Telemetry.MeterName)
	}
	m.bus = events.NewBus(logger)
	m.engine, err = engine.New(cfg.Engine, m.state, m.cache, m.executor, m.insertion, logger,
		engine.WithClock(o.now),
		engine.WithEvents(m.bus),
		engine.WithMetrics(m.metrics),
		engine.WithMeter(meter),
		engine.WithUserID(cfg.UserID),
		engine.WithReportUploader(m.reports),
		engine.WithCleanup(m.cleanup))
	if err != nil {
		_ = m.executor.Close(time.Second)
		m.closeStorage()
		return nil, err
	}

	m.monitor.SetActiveTaskSource(m.engine)
	m.monitor.OnTrigger(m.engine.Freeze)

	flowOpts := []recovery.Option{
		recovery.WithClock(o.now),
		recovery.WithFailsafe(m.monitor),
		recovery.WithLog(recovery.NewLog(m.storage, cfg.Recovery.LogLimit, logger)),
	}
	if o.prompter != nil {
		flowOpts = append(flowOpts, recovery.WithPrompter(o.prompter))
	}
	m.recovery = recovery.NewFlow(cfg.Recovery, m.records, m.state, m.cache, logger, flowOpts...)

	if cfg.Observability.Enabled {
		m.status = observability.NewServer(cfg.Observability, m, logger)
	}

	return m, nil
}

// Start runs the restart recovery flow, resumes a recovered task when its
// graph is known, and launches the background loops. The recovery result
// is nil when there was nothing to recover.
func (m *Manager) Start(ctx context.Context) (*domain.RecoveryResult, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	result, err := m.recovery.Run(ctx)
	if err != nil {
		m.logger.Warn("restart recovery failed, starting fresh", "error", err)
		result = nil
	}
	if result != nil {
		m.resumeRecovered(ctx, result)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return m.cache.Run(gctx) })
	group.Go(func() error { return m.monitor.Run(gctx) })
	group.Go(func() error { return m.insertion.Run(gctx) })
	group.Go(func() error { return m.cleanup.Run(gctx) })
	group.Go(func() error { return m.engine.Watch(gctx) })
	if m.status != nil {
		group.Go(func() error {
			if err := m.status.Run(gctx); err != nil {
				m.logger.Error("status server stopped", "error", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if sent, err := m.reports.RetryPending(gctx); err != nil {
			m.logger.Warn("pending reports not delivered", "sent", sent, "error", err)
		}
		return nil
	})

	m.mu.Lock()
	m.cancel = cancel
	m.group = group
	m.mu.Unlock()

	m.logger.Info("task runtime started",
		"storage", m.config.Storage.Backend,
		"recovered", result != nil)
	return result, nil
}

func (m *Manager) resumeRecovered(ctx context.Context, result *domain.RecoveryResult) {
	graph, err := m.storedGraph(result.TaskID)
	if err != nil || graph == nil {
		m.logger.Warn("recovered task has no stored graph, leaving it paused",
			"task_id", result.TaskID,
			"error", err)
		return
	}
	if err := m.engine.ResumeRecovered(ctx, graph, result); err != nil {
		m.logger.Error("recovered task not resumed", "task_id", result.TaskID, "error", err)
	}
}

// Stop cancels the background loops, waits for them, and releases the
// executor pool and owned storage.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := m.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	m.bus.Close()
	if err := m.executor.Close(10 * time.Second); err != nil {
		errs = append(errs, err)
	}
	if err := m.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("task runtime stopped")
	return errors.Join(errs...)
}

func (m *Manager) closeStorage() error {
	if !m.ownsStorage || m.storage == nil {
		return nil
	}
	return m.storage.Close()
}

// LoadGraph reads a graph definition and registers it.
func (m *Manager) LoadGraph(ctx context.Context, source string) (*domain.TaskGraph, error) {
	graph, err := m.loader.Load(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := m.RegisterGraph(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// LoadGraphBytes parses an in-memory definition; format is "json" or "hcl".
func (m *Manager) LoadGraphBytes(data []byte, format loader.Format) (*domain.TaskGraph, error) {
	graph, err := m.loader.LoadBytes(data, format, "")
	if err != nil {
		return nil, err
	}
	if err := m.RegisterGraph(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// RegisterGraph makes graph runnable and stores it so a task of that graph
// can be resumed after a restart.
func (m *Manager) RegisterGraph(graph *domain.TaskGraph) error {
	if err := m.engine.Register(graph); err != nil {
		return err
	}
	data, err := xjson.Marshal(graph)
	if err != nil {
		return fmt.Errorf("encode graph %s: %w", graph.GraphID, err)
	}
	key := domain.GraphKey(graph.GraphID)
	if err := m.storage.Put(key, data); err != nil {
		m.logger.Warn("graph not stored, it cannot be resumed after a restart",
			"graph_id", graph.GraphID,
			"error", &domain.PersistenceError{Op: "put", Key: key, Err: err})
	}
	return nil
}

func (m *Manager) storedGraph(graphID string) (*domain.TaskGraph, error) {
	data, ok, err := m.storage.Get(domain.GraphKey(graphID))
	if err != nil || !ok {
		return nil, err
	}
	graph, err := m.loader.LoadBytes(data, loader.FormatJSON, graphID)
	if err != nil {
		return nil, &domain.CorruptedRecoveryStateError{Key: domain.GraphKey(graphID), Err: err}
	}
	return graph, nil
}

func (m *Manager) RegisterCollaborator(nodeType domain.NodeType, c ports.Collaborator) error {
	return m.executor.Register(nodeType, c)
}

func (m *Manager) StartTask(ctx context.Context, graphID string) error {
	return m.engine.Start(ctx, graphID)
}

// RunTask starts graphID and waits for it to finish.
func (m *Manager) RunTask(ctx context.Context, graphID string) error {
	return m.engine.Run(ctx, graphID)
}

func (m *Manager) WaitTask(ctx context.Context, taskID string) error {
	return m.engine.Wait(ctx, taskID)
}

func (m *Manager) PauseTask(ctx context.Context, taskID string) error {
	return m.engine.Pause(ctx, taskID)
}

func (m *Manager) ResumeTask(ctx context.Context, taskID string) error {
	return m.engine.Resume(ctx, taskID)
}

func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	return m.engine.Cancel(ctx, taskID)
}

func (m *Manager) TaskStatus(taskID string) (domain.TaskSummary, error) {
	return m.engine.Status(taskID)
}

// InsertTask runs inserted on top of the main task graphID and returns the
// insertion id.
func (m *Manager) InsertTask(ctx context.Context, graphID string, inserted *domain.TaskGraph, returnPoint string) (string, error) {
	return m.engine.Insert(ctx, graphID, inserted, returnPoint)
}

func (m *Manager) CompleteInsertion(ctx context.Context, insertedID string) error {
	return m.engine.CompleteInsertion(ctx, insertedID)
}

func (m *Manager) CancelInsertion(ctx context.Context, insertedID string) error {
	return m.engine.CancelInsertion(ctx, insertedID)
}

func (m *Manager) InsertionHistory() []domain.InsertedTaskInfo {
	return m.insertion.History()
}

func (m *Manager) MonitorModule(module string, interval time.Duration) {
	m.monitor.Monitor(module, interval)
}

func (m *Manager) UnmonitorModule(module string) {
	m.monitor.Unmonitor(module)
}

func (m *Manager) Heartbeat(module string) {
	m.monitor.Heartbeat(module)
}

// TriggerFailsafe captures the running task and freezes the engine, as a
// missed heartbeat would.
func (m *Manager) TriggerFailsafe(ctx context.Context, reason, module string) (*domain.FailureRecord, error) {
	return m.monitor.Trigger(ctx, reason, module)
}

// ClearFailsafe leaves failsafe mode without a restart. The captured task
// stays paused until ResumeTask.
func (m *Manager) ClearFailsafe() error {
	if err := m.records.Clear(); err != nil {
		return err
	}
	m.monitor.ClearFailsafeMode()
	m.engine.Thaw()
	return nil
}

func (m *Manager) RecoveryStatus() domain.RecoveryStatus {
	return m.monitor.RecoveryStatus()
}

func (m *Manager) RecoveryLogs() ([]domain.RecoveryLogEntry, error) {
	return m.recovery.Logs()
}

func (m *Manager) FailsafeEvents() ([]domain.FailsafeEvent, error) {
	return m.records.Events()
}

func (m *Manager) PendingReports() ([]domain.PendingReport, error) {
	return m.reports.Pending()
}

func (m *Manager) RetryPendingReports(ctx context.Context) (int, error) {
	return m.reports.RetryPending(ctx)
}

func (m *Manager) Metrics() domain.ExecutionMetrics {
	return m.metrics.GetSnapshot()
}

func (m *Manager) Status() Status {
	pending, err := m.reports.PendingCount()
	if err != nil {
		m.logger.Warn("pending reports not counted", "error", err)
	}
	status := Status{
		Engine:         m.engine.Info(),
		Failsafe:       m.monitor.RecoveryStatus(),
		RecoveryPhase:  m.recovery.Phase(),
		Cache:          m.cache.Info(),
		Insertions:     m.insertion.Status(),
		PendingReports: pending,
	}
	if m.breaker != nil {
		status.ReportBreaker = m.breaker.State().String()
	}
	return status
}

// Health is unhealthy while failsafe mode holds the engine frozen.
func (m *Manager) Health() domain.HealthStatus {
	failsafe := m.monitor.RecoveryStatus()
	health := domain.HealthStatus{
		Healthy: true,
		Details: map[string]string{
			"failsafe":       "off",
			"recovery_phase": string(m.recovery.Phase()),
		},
	}
	if m.breaker != nil {
		health.Details["report_breaker"] = m.breaker.State().String()
	}

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()

	switch {
	case stopped:
		health.Healthy = false
		health.Error = "runtime stopped"
	case failsafe.FailsafeMode:
		health.Healthy = false
		health.Error = "failsafe mode active"
		health.Details["failsafe"] = "on"
	}
	return health
}

// StatusAddr is the status server's bound address, nil when disabled or
// not yet listening.
func (m *Manager) StatusAddr() net.Addr {
	if m.status == nil {
		return nil
	}
	return m.status.Addr()
}

// Subscribe registers handler for task events whose key matches pattern,
// e.g. "task:hospital_visit:*" or "failsafe:*".
func (m *Manager) Subscribe(pattern string, handler func(domain.TaskEvent)) string {
	return m.bus.Subscribe(pattern, handler)
}

func (m *Manager) Unsubscribe(id string) bool {
	return m.bus.Unsubscribe(id)
}

func (m *Manager) OnTaskFinished(handler func(domain.TaskEvent)) {
	m.bus.OnTaskFinished(handler)
}

func (m *Manager) OnNodeExecuted(handler func(domain.TaskEvent)) {
	m.bus.OnNodeExecuted(handler)
}

func (m *Manager) OnFailsafe(handler func(domain.TaskEvent)) {
	m.bus.OnFailsafe(handler)
}

func (m *Manager) Config() domain.Config {
	return *m.config
}
