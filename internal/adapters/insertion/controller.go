package insertion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Controller admits at most one insertion task at a time and resumes the
// paused parent when that insertion ends.
type Controller struct {
	cfg    domain.InsertionConfig
	state  ports.StatePort
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    *domain.InsertedTaskInfo
	history   []domain.InsertedTaskInfo
	counts    map[domain.InsertionStatus]int
	listeners []func(domain.ResumeEvent)
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController wires the controller to state for pause and resume; state may be nil.
func NewController(cfg domain.InsertionConfig, state ports.StatePort, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultInsertionConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}

	c := &Controller{
		cfg:    cfg,
		state:  state,
		logger: logger.With("component", "insertion-controller"),
		now:    time.Now,
		counts: make(map[domain.InsertionStatus]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnResume registers fn to run after every insertion ends, whatever the outcome.
func (c *Controller) OnResume(fn func(domain.ResumeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Register pauses parentID and records insertedID as the active insertion.
// A second insertion while one is active is rejected.
func (c *Controller) Register(parentID, insertedID, resumeNodeID string, timeout time.Duration, metadata map[string]any) (*domain.InsertedTaskInfo, error) {
	if parentID == "" || insertedID == "" {
		return nil, fmt.Errorf("%w: insertion needs parent and inserted ids", domain.ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.logger.Warn("nested insertion rejected",
			"active_id", c.active.InsertedID,
			"requested_id", insertedID)
		return nil, &domain.NestingRejectedError{ActiveID: c.active.InsertedID, RequestedID: insertedID}
	}

	if c.state != nil {
		if _, err := c.state.PauseForInsertedTask(parentID, insertedID, resumeNodeID); err != nil {
			return nil, fmt.Errorf("pause %s for insertion %s: %w", parentID, insertedID, err)
		}
	}

	info := &domain.InsertedTaskInfo{
		ParentID:     parentID,
		InsertedID:   insertedID,
		ResumeNodeID: resumeNodeID,
		StartedAt:    c.now(),
		Status:       domain.InsertionActive,
		Timeout:      timeout,
		Metadata:     domain.CloneMap(metadata),
	}
	c.active = info
	c.counts[domain.InsertionActive]++

	c.logger.Info("insertion registered",
		"parent_id", parentID,
		"inserted_id", insertedID,
		"resume_node", resumeNodeID,
		"timeout", timeout)
	return copyInfo(info), nil
}

// Complete ends the insertion normally and returns the parent's resume point.
func (c *Controller) Complete(insertedID string) (string, error) {
	return c.finish(insertedID, domain.InsertionCompleted)
}

// Cancel ends the insertion at the user's request. The parent always resumes.
func (c *Controller) Cancel(insertedID string) (string, error) {
	return c.finish(insertedID, domain.InsertionCancelled)
}

// ExpireCheck ends the active insertion once its timeout has elapsed.
func (c *Controller) ExpireCheck() bool {
	c.mu.Lock()
	active := c.active
	expired := active != nil && c.now().After(active.ExpiresAt())
	c.mu.Unlock()

	if !expired {
		return false
	}
	c.logger.Warn("insertion timed out",
		"inserted_id", active.InsertedID,
		"timeout", active.Timeout)
	_, err := c.finish(active.InsertedID, domain.InsertionExpired)
	return err == nil
}

func (c *Controller) finish(insertedID string, outcome domain.InsertionStatus) (string, error) {
	c.mu.Lock()
	if c.active == nil || c.active.InsertedID != insertedID {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrInsertionNotActive, insertedID)
	}

	info := c.active
	c.active = nil

	now := c.now()
	info.Status = outcome
	info.FinishedAt = &now

	resume := info.ResumeNodeID
	if c.state != nil {
		if point, ok := c.state.ResumeFromInsertedTask(info.ParentID); ok && point != "" {
			resume = point
		} else if !ok {
			c.logger.Warn("parent had no insertion marker",
				"parent_id", info.ParentID,
				"inserted_id", insertedID)
		}
	}

	c.counts[domain.InsertionActive]--
	c.counts[outcome]++
	c.appendHistoryLocked(*info)
	listeners := append([]func(domain.ResumeEvent){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("insertion finished",
		"parent_id", info.ParentID,
		"inserted_id", insertedID,
		"outcome", outcome,
		"resume_node", resume)

	event := domain.ResumeEvent{
		ParentID:     info.ParentID,
		InsertedID:   insertedID,
		ResumeNodeID: resume,
		Outcome:      outcome,
	}
	for _, fn := range listeners {
		fn(event)
	}
	return resume, nil
}

// Discard forgets the active insertion without resuming its parent. Used when
// the parent itself is being torn down.
func (c *Controller) Discard() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return false
	}
	c.logger.Info("insertion discarded", "inserted_id", c.active.InsertedID)
	c.active = nil
	c.counts[domain.InsertionActive]--
	return true
}

func (c *Controller) appendHistoryLocked(info domain.InsertedTaskInfo) {
	c.history = append(c.history, info)
	if over := len(c.history) - c.cfg.HistoryLimit; over > 0 {
		c.history = c.history[over:]
	}
}

func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) Info() (*domain.InsertedTaskInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, false
	}
	return copyInfo(c.active), true
}

// History lists finished insertions, oldest first.
func (c *Controller) History() []domain.InsertedTaskInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.InsertedTaskInfo(nil), c.history...)
}

func (c *Controller) Status() domain.InsertionQueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.InsertionQueueStatus{
		Active:    c.counts[domain.InsertionActive],
		Completed: c.counts[domain.InsertionCompleted],
		Cancelled: c.counts[domain.InsertionCancelled],
		Expired:   c.counts[domain.InsertionExpired],
	}
	if c.active != nil {
		status.Current = copyInfo(c.active)
	}
	return status
}

// Run checks for expired insertions until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ExpireCheck()
		}
	}
}

func copyInfo(info *domain.InsertedTaskInfo) *domain.InsertedTaskInfo {
	out := *info
	out.Metadata = domain.CloneMap(info.Metadata)
	if info.FinishedAt != nil {
		t := *info.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
