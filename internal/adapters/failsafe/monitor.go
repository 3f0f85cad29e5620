package failsafe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

type EventLog interface {
	AppendEvent(event domain.FailsafeEvent) error
}

type watch struct {
	interval time.Duration
	lastSeen time.Time
	tripped  bool
}

// Monitor is a heartbeat failure detector. A module silent for longer than
// its interval plus the grace margin triggers the failsafe once per missed
// deadline; the next heartbeat re-arms it.
type Monitor struct {
	cfg     domain.FailsafeConfig
	state   ports.StatePort
	cache   ports.CachePort
	records ports.FailureRecordStore
	events  EventLog
	metrics *domain.ExecutionMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	modules      map[string]*watch
	source       ports.ActiveTaskSource
	failsafeMode bool
	lastRecord   *domain.FailureRecord
	listeners    []func(*domain.FailureRecord)
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithEventLog(events EventLog) Option {
	return func(m *Monitor) {
		m.events = events
	}
}

func WithMetrics(metrics *domain.ExecutionMetrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

func NewMonitor(cfg domain.FailsafeConfig, state ports.StatePort, cache ports.CachePort, records ports.FailureRecordStore, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultFailsafeConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.GraceMargin < 0 {
		cfg.GraceMargin = 0
	}
	if cfg.DefaultHeartbeatInterval <= 0 {
		cfg.DefaultHeartbeatInterval = defaults.DefaultHeartbeatInterval
	}

	m := &Monitor{
		cfg:     cfg,
		state:   state,
		cache:   cache,
		records: records,
		metrics: domain.NewExecutionMetrics(),
		logger:  logger.With("component", "failsafe-monitor"),
		now:     time.Now,
		modules: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetActiveTaskSource names who knows the task to capture on trigger.
func (m *Monitor) SetActiveTaskSource(source ports.ActiveTaskSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
}

func (m *Monitor) OnTrigger(fn func(*domain.FailureRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Monitor(module string, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.DefaultHeartbeatInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.modules[module] = &watch{interval: interval, lastSeen: m.now()}
	m.logger.Debug("module monitored", "module", module, "interval", interval)
}

func (m *Monitor) Unmonitor(module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, module)
}

// Heartbeat records liveness. Unknown modules are monitored at the default interval.
func (m *Monitor) Heartbeat(module string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.modules[module]
	if !ok {
		w = &watch{interval: m.cfg.DefaultHeartbeatInterval}
		m.modules[module] = w
	}
	w.lastSeen = m.now()
	w.tripped = false
}

// Check returns the modules that just missed their deadline.
func (m *Monitor) Check() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var missed []string
	for name, w := range m.modules {
		if w.tripped {
			continue
		}
		if now.Sub(w.lastSeen) > w.interval+m.cfg.GraceMargin {
			w.tripped = true
			missed = append(missed, name)
		}
	}
	sort.Strings(missed)
	return missed
}

// Run checks heartbeats every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, module := range m.Check() {
				if m.InFailsafeMode() {
					m.logger.Debug("heartbeat missed while in failsafe mode", "module", module)
					continue
				}
				reason := fmt.Sprintf("heartbeat timeout: %s", module)
				if _, err := m.Trigger(ctx, reason, module); err != nil {
					m.logger.Error("failsafe trigger incomplete", "module", module, "error", err)
				}
			}
		}
	}
}

// Trigger captures everything needed to resume after a restart and enters
// failsafe mode. Partial capture still enters failsafe mode; the returned
// error lists what could not be saved.
func (m *Monitor) Trigger(ctx context.Context, reason, module string) (*domain.FailureRecord, error) {
	now := m.now()
	record := &domain.FailureRecord{
		ID:         uuid.NewString(),
		Reason:     reason,
		ModuleName: module,
		Timestamp:  now,
	}

	m.logger.Error("failsafe triggered", "reason", reason, "module", module, "record_id", record.ID)

	var errs []error
	record.TaskID = m.activeTask()
	if record.TaskID != "" && m.state != nil {
		if node, err := m.state.CurrentNode(record.TaskID); err == nil {
			record.LastKnownNode = node
		}
		key, err := m.state.Persist(record.TaskID)
		if err != nil {
			errs = append(errs, err)
			m.logger.Warn("task state not persisted", "task_id", record.TaskID, "error", err)
		}
		record.StateKey = key
	}

	if m.cache != nil {
		id := domain.FailsafeSnapshotID(record.ID)
		m.cache.Snapshot(id, "")
		if snap, ok := m.cache.ExportSnapshot(id); ok {
			record.CacheSnapshot = snap
		}
	}
	record.RecoveryAvailable = record.StateKey != ""

	if m.records != nil {
		if err := m.records.Save(record); err != nil {
			errs = append(errs, err)
			m.logger.Error("failure record not saved", "record_id", record.ID, "error", err)
		}
	}
	if m.events != nil {
		if err := m.events.AppendEvent(domain.FailsafeEvent{
			Timestamp:  now,
			Reason:     reason,
			ModuleName: module,
			TaskID:     record.TaskID,
			RecordID:   record.ID,
		}); err != nil {
			m.logger.Warn("failsafe event not logged", "error", err)
		}
	}

	m.mu.Lock()
	m.failsafeMode = true
	m.lastRecord = record
	listeners := append([]func(*domain.FailureRecord){}, m.listeners...)
	m.mu.Unlock()

	m.metrics.IncrementFailsafeTriggers()
	for _, fn := range listeners {
		fn(record)
	}

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return record, errors.Join(errs...)
}

func (m *Monitor) activeTask() string {
	m.mu.Lock()
	source := m.source
	m.mu.Unlock()

	if source != nil {
		return source.ActiveTaskID()
	}
	if m.state == nil {
		return ""
	}
	for _, id := range m.state.ActiveTaskIDs() {
		if !domain.IsInsertedTask(id) {
			return id
		}
	}
	return ""
}

func (m *Monitor) InFailsafeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failsafeMode
}

func (m *Monitor) LastRecord() *domain.FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRecord
}

func (m *Monitor) RecoveryStatus() domain.RecoveryStatus {
	m.mu.Lock()
	status := domain.RecoveryStatus{
		FailsafeMode: m.failsafeMode,
		Monitored:    make([]string, 0, len(m.modules)),
	}
	for name := range m.modules {
		status.Monitored = append(status.Monitored, name)
	}
	m.mu.Unlock()
	sort.Strings(status.Monitored)

	if m.records != nil {
		record, err := m.records.Pending()
		if err != nil {
			m.logger.Warn("pending failure record unreadable", "error", err)
		}
		status.HasRecovery = record != nil
		status.RecoveryInfo = record
	}
	return status
}

// ClearFailsafeMode leaves failsafe mode and restarts every module's deadline.
func (m *Monitor) ClearFailsafeMode() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, w := range m.modules {
		w.lastSeen = now
		w.tripped = false
	}
	if m.failsafeMode {
		m.logger.Info("failsafe mode cleared")
	}
	m.failsafeMode = false
}
