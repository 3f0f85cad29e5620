package breaker

import (
	"context"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Submitter fails report delivery fast while the backend is known to be
// down, so the uploader queues reports instead of waiting out each retry.
type Submitter struct {
	next    ports.ReportSubmitter
	breaker ports.CircuitBreaker
}

func NewSubmitter(next ports.ReportSubmitter, breaker ports.CircuitBreaker) *Submitter {
	return &Submitter{next: next, breaker: breaker}
}

func (s *Submitter) Submit(ctx context.Context, report domain.Report) error {
	return s.breaker.Call(ctx, func(ctx context.Context) error {
		return s.next.Submit(ctx, report)
	})
}
