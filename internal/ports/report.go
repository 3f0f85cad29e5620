package ports

import (
	"context"

	"github.com/luna-badge/taskcore/internal/domain"
)

// ReportSubmitter delivers a completed-task report. Errors wrapped with
// domain.ErrRetryable are retried.
type ReportSubmitter interface {
	Submit(ctx context.Context, report domain.Report) error
}

type ReportUploader interface {
	Upload(ctx context.Context, report domain.Report) error
	RetryPending(ctx context.Context) (int, error)
}

// GraphFetcher resolves graph identifiers that are not local files.
type GraphFetcher interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Reclaimer releases resources held for a finished task.
type Reclaimer interface {
	Reclaim(ctx context.Context, taskID string) error
}

type ReclaimerFunc func(ctx context.Context, taskID string) error

func (f ReclaimerFunc) Reclaim(ctx context.Context, taskID string) error {
	return f(ctx, taskID)
}
