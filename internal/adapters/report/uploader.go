package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// ErrNoSubmitter is recorded on reports queued while no endpoint is configured.
var ErrNoSubmitter = errors.New("no report submitter configured")

// Uploader delivers task reports with bounded retries. Reports that still
// fail are kept in a local outbox, one per task, until RetryPending succeeds.
type Uploader struct {
	cfg       domain.ReportConfig
	submitter ports.ReportSubmitter
	storage   ports.StoragePort
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	memory map[string]domain.PendingReport
}

type Option func(*Uploader)

func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		u.now = now
	}
}

// NewUploader builds an uploader. A nil submitter queues every report; a nil
// storage keeps the outbox in memory.
func NewUploader(cfg domain.ReportConfig, submitter ports.ReportSubmitter, storage ports.StoragePort, logger *slog.Logger, opts ...Option) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultReportConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	u := &Uploader{
		cfg:       cfg,
		submitter: submitter,
		storage:   storage,
		logger:    logger.With("component", "report-uploader"),
		now:       time.Now,
		memory:    make(map[string]domain.PendingReport),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload submits report. On failure the report is queued and the error returned.
func (u *Uploader) Upload(ctx context.Context, report domain.Report) error {
	attempts, err := u.submit(ctx, report)
	if err == nil {
		u.logger.Info("task report uploaded", "task_id", report.TaskID, "attempts", attempts)
		if rmErr := u.removePending(report.TaskID); rmErr != nil {
			u.logger.Warn("pending report not removed", "task_id", report.TaskID, "error", rmErr)
		}
		return nil
	}

	u.logger.Warn("task report upload failed, queued locally",
		"task_id", report.TaskID,
		"attempts", attempts,
		"error", err)
	if qErr := u.queue(report, attempts, err); qErr != nil {
		return errors.Join(err, qErr)
	}
	return err
}

// submit tries up to MaxRetries times; only errors marked retryable are retried.
func (u *Uploader) submit(ctx context.Context, report domain.Report) (int, error) {
	if u.submitter == nil {
		return 0, ErrNoSubmitter
	}

	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.cfg.RetryDelay), uint64(u.cfg.MaxRetries-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		err := u.submitter.Submit(ctx, report)
		if err == nil || domain.IsRetryable(err) {
			if err != nil {
				u.logger.Debug("report submit attempt failed",
					"task_id", report.TaskID,
					"attempt", attempts,
					"error", err)
			}
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	return attempts, err
}

func (u *Uploader) queue(report domain.Report, attempts int, cause error) error {
	pending := domain.PendingReport{
		Report:    report,
		Attempts:  attempts,
		LastError: cause.Error(),
		QueuedAt:  u.now(),
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if previous, ok, err := u.getLocked(report.TaskID); err == nil && ok {
		pending.Attempts += previous.Attempts
	}

	if u.storage == nil {
		u.memory[report.TaskID] = pending
		return nil
	}
	data, err := xjson.Marshal(pending)
	if err != nil {
		return err
	}
	key := domain.PendingReportKey(report.TaskID)
	if err := u.storage.Put(key, data); err != nil {
		return &domain.PersistenceError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (u *Uploader) getLocked(taskID string) (domain.PendingReport, bool, error) {
	if u.storage == nil {
		p, ok := u.memory[taskID]
		return p, ok, nil
	}
	data, ok, err := u.storage.Get(domain.PendingReportKey(taskID))
	if err != nil || !ok {
		return domain.PendingReport{}, false, err
	}
	var p domain.PendingReport
	if err := xjson.Unmarshal(data, &p); err != nil {
		return domain.PendingReport{}, false, err
	}
	return p, true, nil
}

func (u *Uploader) removePending(taskID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.storage == nil {
		delete(u.memory, taskID)
		return nil
	}
	return u.storage.Delete(domain.PendingReportKey(taskID))
}

// Pending lists queued reports ordered by task id. Unreadable entries are dropped.
func (u *Uploader) Pending() ([]domain.PendingReport, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []domain.PendingReport
	if u.storage == nil {
		for _, p := range u.memory {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Report.TaskID < out[j].Report.TaskID })
		return out, nil
	}

	kvs, err := u.storage.ListByPrefix(domain.PendingReportPrefix)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		var p domain.PendingReport
		if err := xjson.Unmarshal(kv.Value, &p); err != nil {
			u.logger.Warn("dropping unreadable pending report", "key", kv.Key, "error", err)
			if delErr := u.storage.Delete(kv.Key); delErr != nil {
				u.logger.Warn("unreadable pending report not deleted", "key", kv.Key, "error", delErr)
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (u *Uploader) PendingCount() (int, error) {
	pending, err := u.Pending()
	return len(pending), err
}

// RetryPending resubmits every queued report and returns how many went through.
func (u *Uploader) RetryPending(ctx context.Context) (int, error) {
	pending, err := u.Pending()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	u.logger.Info("retrying pending reports", "count", len(pending))

	sent := 0
	var errs []error
	for _, p := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := u.Upload(ctx, p.Report); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", p.Report.TaskID, err))
			continue
		}
		sent++
	}

	u.logger.Info("pending report retry finished", "sent", sent, "total", len(pending))
	return sent, errors.Join(errs...)
}
