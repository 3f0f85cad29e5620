package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/xjson"
)

type stubProvider struct {
	health domain.HealthStatus
	status domain.RuntimeStatus
	counts domain.ExecutionMetrics
}

func (p *stubProvider) Health() domain.HealthStatus       { return p.health }
func (p *stubProvider) Status() domain.RuntimeStatus      { return p.status }
func (p *stubProvider) Metrics() domain.ExecutionMetrics { return p.counts }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	provider := &stubProvider{health: domain.HealthStatus{Healthy: true, Details: map[string]string{"failsafe": "off"}}}
	s := NewServer(domain.ObservabilityConfig{}, provider, quietLogger())

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "off", body.Components["failsafe"])

	provider.health = domain.HealthStatus{Healthy: false, Error: "failsafe mode active"}
	rec = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "failsafe mode active", body.Error)
}

func TestStatus(t *testing.T) {
	provider := &stubProvider{status: domain.RuntimeStatus{
		Engine:         domain.EngineInfo{ActiveTaskID: "hospital_visit", Graphs: []string{"hospital_visit"}},
		PendingReports: 2,
		ReportBreaker:  "open",
	}}
	s := NewServer(domain.ObservabilityConfig{}, provider, quietLogger())

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body domain.RuntimeStatus
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hospital_visit", body.Engine.ActiveTaskID)
	assert.Equal(t, 2, body.PendingReports)
	assert.Equal(t, "open", body.ReportBreaker)
}

func TestMetrics(t *testing.T) {
	provider := &stubProvider{counts: domain.ExecutionMetrics{GraphsStarted: 3, NodesExecuted: 9, FailsafeTriggers: 1}}
	s := NewServer(domain.ObservabilityConfig{}, provider, quietLogger())

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	var body MetricsResponse
	require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Application.GraphsStarted)
	assert.Positive(t, body.System.NumGoroutine)

	rec = get(t, s, "/metrics/prometheus")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskcore_nodes_executed_total 9\n")
	assert.Contains(t, rec.Body.String(), "# TYPE taskcore_failsafe_triggers_total counter\n")
}

func TestRejectsOtherMethods(t *testing.T) {
	s := NewServer(domain.ObservabilityConfig{}, &stubProvider{}, quietLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	s := NewServer(domain.ObservabilityConfig{Addr: "127.0.0.1:0"}, &stubProvider{health: domain.HealthStatus{Healthy: true}}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/live", s.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("status server did not stop")
	}
}
