package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

const reclaimTimeout = time.Minute

const (
	StatusPending      = "pending"
	StatusExecuting    = "executing"
	StatusRetryPending = "retry_pending"
	StatusCompleted    = "completed"
	StatusDeadLetter   = "dead_letter"
)

type Scheduled struct {
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExecuteAt   time.Time `json:"execute_at"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	Status      string    `json:"status"`
}

// Scheduler reclaims a finished task's resources after a grace delay.
// Failed reclaims are retried with exponential backoff and parked in a
// dead-letter list once MaxRetries is reached.
type Scheduler struct {
	cfg        domain.CleanupConfig
	reclaimers []ports.Reclaimer
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	pending    map[string]*Scheduled
	retryQueue []*Scheduled
	deadLetter []*Scheduled
	completed  int
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithReclaimer(r ports.Reclaimer) Option {
	return func(s *Scheduler) {
		s.reclaimers = append(s.reclaimers, r)
	}
}

func NewScheduler(cfg domain.CleanupConfig, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultCleanupConfig()
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}

	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.With("component", "cleanup-scheduler"),
		now:     time.Now,
		pending: make(map[string]*Scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) AddReclaimer(r ports.Reclaimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimers = append(s.reclaimers, r)
}

// Schedule queues taskID for reclaim after the configured delay.
func (s *Scheduler) Schedule(taskID string) {
	s.ScheduleAfter(taskID, s.cfg.Delay)
}

func (s *Scheduler) ScheduleAfter(taskID string, delay time.Duration) {
	now := s.now()
	executeAt := now.Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[taskID]; ok {
		s.logger.Debug("updating existing scheduled cleanup",
			"task_id", taskID,
			"old_execute_at", existing.ExecuteAt,
			"new_execute_at", executeAt)
	}
	s.pending[taskID] = &Scheduled{
		TaskID:      taskID,
		ScheduledAt: now,
		ExecuteAt:   executeAt,
		Status:      StatusPending,
	}

	s.logger.Info("task cleanup scheduled",
		"task_id", taskID,
		"delay", delay,
		"execute_at", executeAt)
}

// Postpone restarts the delay of a pending cleanup, e.g. after the task's
// state was read again.
func (s *Scheduler) Postpone(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleanup, ok := s.pending[taskID]
	if !ok {
		return false
	}
	cleanup.ExecuteAt = s.now().Add(s.cfg.Delay)
	s.logger.Debug("cleanup postponed", "task_id", taskID, "execute_at", cleanup.ExecuteAt)
	return true
}

func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[taskID]; ok {
		delete(s.pending, taskID)
		s.logger.Info("cancelled scheduled cleanup", "task_id", taskID)
		return nil
	}
	return fmt.Errorf("%w: no scheduled cleanup for task %s", domain.ErrNotFound, taskID)
}

func (s *Scheduler) IsScheduled(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[taskID]
	return ok
}

// ReclaimNow runs the reclaim immediately, dropping any pending schedule.
func (s *Scheduler) ReclaimNow(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cleanup, ok := s.pending[taskID]
	if ok {
		delete(s.pending, taskID)
	} else {
		cleanup = &Scheduled{TaskID: taskID, ScheduledAt: s.now(), Status: StatusPending}
	}
	s.mu.Unlock()

	if err := s.execute(ctx, cleanup); err != nil {
		s.handleFailure(cleanup, err)
		return err
	}
	s.markCompleted(cleanup)
	return nil
}

// ProcessDue reclaims every cleanup whose time has come, including retries,
// and returns how many succeeded.
func (s *Scheduler) ProcessDue(ctx context.Context) int {
	now := s.now()
	var ready []*Scheduled

	s.mu.Lock()
	for taskID, cleanup := range s.pending {
		if !cleanup.ExecuteAt.After(now) {
			ready = append(ready, cleanup)
			delete(s.pending, taskID)
		}
	}
	waiting := s.retryQueue[:0]
	for _, cleanup := range s.retryQueue {
		if !cleanup.ExecuteAt.After(now) {
			ready = append(ready, cleanup)
		} else {
			waiting = append(waiting, cleanup)
		}
	}
	s.retryQueue = waiting
	s.mu.Unlock()

	if len(ready) == 0 {
		return 0
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ExecuteAt.Before(ready[j].ExecuteAt) })

	s.logger.Debug("processing ready cleanups", "count", len(ready))

	succeeded := 0
	for _, cleanup := range ready {
		if err := s.execute(ctx, cleanup); err != nil {
			s.logger.Error("cleanup execution failed",
				"task_id", cleanup.TaskID,
				"attempt", cleanup.Attempts,
				"error", err)
			s.handleFailure(cleanup, err)
			continue
		}
		s.markCompleted(cleanup)
		succeeded++
	}
	return succeeded
}

func (s *Scheduler) execute(ctx context.Context, cleanup *Scheduled) error {
	s.mu.Lock()
	cleanup.Attempts++
	cleanup.Status = StatusExecuting
	reclaimers := append([]ports.Reclaimer(nil), s.reclaimers...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, reclaimTimeout)
	defer cancel()

	var errs []error
	for _, r := range reclaimers {
		if err := r.Reclaim(ctx, cleanup.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) markCompleted(cleanup *Scheduled) {
	s.mu.Lock()
	cleanup.Status = StatusCompleted
	cleanup.LastError = ""
	s.completed++
	s.mu.Unlock()

	s.logger.Info("cleanup executed successfully",
		"task_id", cleanup.TaskID,
		"attempt", cleanup.Attempts)
}

func (s *Scheduler) handleFailure(cleanup *Scheduled, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleanup.LastError = err.Error()

	if cleanup.Attempts >= s.cfg.MaxRetries {
		cleanup.Status = StatusDeadLetter
		s.deadLetter = append(s.deadLetter, cleanup)
		s.logger.Error("cleanup moved to dead letter list after max retries",
			"task_id", cleanup.TaskID,
			"attempts", cleanup.Attempts)
		return
	}

	retryDelay := s.retryDelay(cleanup.Attempts)
	cleanup.ExecuteAt = s.now().Add(retryDelay)
	cleanup.Status = StatusRetryPending
	s.retryQueue = append(s.retryQueue, cleanup)

	s.logger.Info("cleanup scheduled for retry",
		"task_id", cleanup.TaskID,
		"attempt", cleanup.Attempts,
		"retry_delay", retryDelay,
		"next_attempt_at", cleanup.ExecuteAt)
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(s.cfg.RetryDelay) * math.Pow(s.cfg.BackoffFactor, float64(attempt-1)))
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}
	return delay
}

// Run processes due cleanups every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting cleanup scheduler", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopped")
			return nil
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

func (s *Scheduler) Pending() []Scheduled {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Scheduled, 0, len(s.pending))
	for _, cleanup := range s.pending {
		out = append(out, *cleanup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Scheduler) RetryQueue() []Scheduled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.retryQueue)
}

func (s *Scheduler) DeadLetter() []Scheduled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.deadLetter)
}

func (s *Scheduler) Completed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

func copyAll(in []*Scheduled) []Scheduled {
	out := make([]Scheduled, len(in))
	for i, c := range in {
		out[i] = *c
	}
	return out
}
