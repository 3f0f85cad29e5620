package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/xjson"
)

// HTTPSubmitter posts reports as JSON. Transport errors, 429 and 5xx
// responses are retryable; other non-2xx responses are not.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, timeout time.Duration, client *http.Client) *HTTPSubmitter {
	if client == nil {
		if timeout <= 0 {
			timeout = domain.DefaultReportConfig().Timeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSubmitter{endpoint: endpoint, client: client}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, report domain.Report) error {
	body, err := xjson.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", report.TaskID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: report endpoint %q: %v", domain.ErrInvalidInput, s.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post report %s: %v", domain.ErrRetryable, report.TaskID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: report endpoint returned %d", domain.ErrRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("report endpoint rejected %s with %d", report.TaskID, resp.StatusCode)
	}
}
