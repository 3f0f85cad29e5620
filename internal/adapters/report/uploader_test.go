package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luna-badge/taskcore/internal/adapters/storage"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/luna-badge/taskcore/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, report domain.Report) error {
	return m.Called(ctx, report).Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) ports.StoragePort {
	t.Helper()
	store, err := storage.OpenInMemory(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fastCfg() domain.ReportConfig {
	return domain.ReportConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
}

func visitReport(taskID string) domain.Report {
	return domain.Report{
		TaskID:        taskID,
		UserID:        "u1",
		GraphName:     "hospital visit",
		ExecutionPath: []string{"route", "check_in"},
		Status:        domain.GraphStatusComplete,
		Progress:      100,
	}
}

func TestUpload_Success(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.Anything).Return(nil).Once()
	u := NewUploader(fastCfg(), sub, openStore(t), testLogger())

	require.NoError(t, u.Upload(context.Background(), visitReport("visit")))
	sub.AssertExpectations(t)

	n, err := u.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpload_RetriesThenQueues(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.Anything).Return(domain.ErrRetryable)
	u := NewUploader(fastCfg(), sub, openStore(t), testLogger())

	err := u.Upload(context.Background(), visitReport("visit"))
	assert.ErrorIs(t, err, domain.ErrRetryable)
	sub.AssertNumberOfCalls(t, "Submit", 3)

	pending, err := u.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "visit", pending[0].Report.TaskID)
	assert.Equal(t, 3, pending[0].Attempts)
}

func TestUpload_PermanentErrorIsNotRetried(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.Anything).Return(errors.New("bad request"))
	u := NewUploader(fastCfg(), sub, nil, testLogger())

	err := u.Upload(context.Background(), visitReport("visit"))
	assert.EqualError(t, err, "bad request")
	sub.AssertNumberOfCalls(t, "Submit", 1)

	n, _ := u.PendingCount()
	assert.Equal(t, 1, n, "permanent failures are kept for a later retry")
}

func TestUpload_OnePendingPerTask(t *testing.T) {
	u := NewUploader(fastCfg(), nil, openStore(t), testLogger())

	assert.ErrorIs(t, u.Upload(context.Background(), visitReport("visit")), ErrNoSubmitter)
	assert.ErrorIs(t, u.Upload(context.Background(), visitReport("visit")), ErrNoSubmitter)
	require.Error(t, u.Upload(context.Background(), visitReport("shopping")))

	pending, err := u.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "shopping", pending[0].Report.TaskID)
	assert.Equal(t, ErrNoSubmitter.Error(), pending[1].LastError)
}

func TestRetryPending(t *testing.T) {
	store := openStore(t)
	offline := NewUploader(fastCfg(), nil, store, testLogger())
	_ = offline.Upload(context.Background(), visitReport("a"))
	_ = offline.Upload(context.Background(), visitReport("b"))
	require.NoError(t, store.Put(domain.PendingReportKey("c"), []byte("{not json")))

	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(r domain.Report) bool { return r.TaskID == "a" })).Return(nil)
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(r domain.Report) bool { return r.TaskID == "b" })).Return(errors.New("rejected"))
	u := NewUploader(fastCfg(), sub, store, testLogger())

	sent, err := u.RetryPending(context.Background())
	assert.Equal(t, 1, sent)
	assert.ErrorContains(t, err, "report b")

	pending, err := u.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Report.TaskID)
	assert.Equal(t, 1, pending[0].Attempts, "the offline attempt made no submission")
}

func TestHTTPSubmitter(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var got domain.Report

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, xjson.Unmarshal(body, &got))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	sub := NewHTTPSubmitter(srv.URL, time.Second, nil)
	require.NoError(t, sub.Submit(context.Background(), visitReport("visit")))
	assert.Equal(t, []string{"route", "check_in"}, got.ExecutionPath)

	status.Store(http.StatusServiceUnavailable)
	assert.ErrorIs(t, sub.Submit(context.Background(), visitReport("visit")), domain.ErrRetryable)

	status.Store(http.StatusBadRequest)
	err := sub.Submit(context.Background(), visitReport("visit"))
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestHTTPSubmitter_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	u := NewUploader(fastCfg(), NewHTTPSubmitter(url, 100*time.Millisecond, nil), nil, testLogger())
	err := u.Upload(context.Background(), visitReport("visit"))
	assert.ErrorIs(t, err, domain.ErrRetryable)

	pending, _ := u.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
}
