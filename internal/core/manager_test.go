package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luna-badge/taskcore/internal/adapters/breaker"
	"github.com/luna-badge/taskcore/internal/adapters/storage"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

const waitTimeout = 5 * time.Second

const visitJSON = `{
  "graph_id": "visit",
  "scene_type": "hospital",
  "goal": "see the doctor",
  "name": "hospital visit",
  "nodes": [
    {"id": "route", "type": "navigation", "title": "go to the hospital"},
    {"id": "check_in", "type": "interaction", "title": "check in at the desk"},
    {"id": "note", "type": "memory_action", "title": "remember the visit"}
  ],
  "edges": [
    {"from": "route", "to": "check_in"},
    {"from": "check_in", "to": "note"}
  ]
}`

type recordingSubmitter struct {
	reports chan domain.Report
}

func (s *recordingSubmitter) Submit(_ context.Context, report domain.Report) error {
	s.reports <- report
	return nil
}

func (s *recordingSubmitter) next(t *testing.T) domain.Report {
	t.Helper()
	select {
	case r := <-s.reports:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("no report submitted")
		return domain.Report{}
	}
}

type answer bool

func (a answer) PromptRecovery(context.Context, *domain.FailureRecord) (bool, error) {
	return bool(a), nil
}

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.UserID = "u1"
	cfg.DataDir = ""
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Storage.Backend = domain.StorageMemory
	return cfg
}

func sharedStorage(t *testing.T) ports.StoragePort {
	t.Helper()
	store, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func navigation(eta string) ports.Collaborator {
	return ports.CollaboratorFunc(func(context.Context, ports.NodeRequest) (ports.NodeResponse, error) {
		return ports.NodeResponse{Success: true, Output: map[string]any{"eta": eta}}, nil
	})
}

func TestManager_RunTask(t *testing.T) {
	sub := &recordingSubmitter{reports: make(chan domain.Report, 4)}
	m, err := New(testConfig(), WithStorage(sharedStorage(t)), WithReportSubmitter(sub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })

	result, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = m.LoadGraphBytes([]byte(visitJSON), "json")
	require.NoError(t, err)
	require.NoError(t, m.RegisterCollaborator(domain.NodeTypeNavigation, navigation("10min")))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.RunTask(ctx, "visit"))

	summary, err := m.TaskStatus("visit")
	require.NoError(t, err)
	assert.Equal(t, domain.GraphStatusComplete, summary.Status)

	report := sub.next(t)
	assert.Equal(t, "u1", report.UserID)
	assert.Equal(t, []string{"route", "check_in", "note"}, report.ExecutionPath)

	status := m.Status()
	assert.Empty(t, status.Engine.ActiveTaskID)
	assert.False(t, status.Failsafe.FailsafeMode)
	assert.EqualValues(t, 1, m.Metrics().GraphsCompleted)
}

func TestManager_StartTwice(t *testing.T) {
	m, err := New(testConfig(), WithStorage(sharedStorage(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })

	_, err = m.Start(context.Background())
	require.NoError(t, err)
	_, err = m.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.MaxSize = -1
	_, err := New(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestManager_FailsafeThenRestartResumes(t *testing.T) {
	store := sharedStorage(t)

	// First boot: the interaction hangs and a module failure freezes the task.
	entered := make(chan struct{})
	hang := ports.CollaboratorFunc(func(ctx context.Context, _ ports.NodeRequest) (ports.NodeResponse, error) {
		close(entered)
		<-ctx.Done()
		return ports.NodeResponse{}, ctx.Err()
	})

	first, err := New(testConfig(), WithStorage(store))
	require.NoError(t, err)
	_, err = first.Start(context.Background())
	require.NoError(t, err)

	_, err = first.LoadGraphBytes([]byte(visitJSON), "json")
	require.NoError(t, err)
	require.NoError(t, first.RegisterCollaborator(domain.NodeTypeNavigation, navigation("30min")))
	require.NoError(t, first.RegisterCollaborator(domain.NodeTypeInteraction, hang))
	require.NoError(t, first.StartTask(context.Background(), "visit"))

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("check_in never started")
	}

	record, err := first.TriggerFailsafe(context.Background(), "camera offline", "vision")
	require.NoError(t, err)
	assert.Equal(t, "visit", record.TaskID)
	assert.Equal(t, "check_in", record.LastKnownNode)
	assert.True(t, record.RecoveryAvailable)
	assert.True(t, first.RecoveryStatus().FailsafeMode)
	assert.ErrorIs(t, first.StartTask(context.Background(), "visit"), domain.ErrFailsafeActive)

	events, err := first.FailsafeEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "vision", events[0].ModuleName)
	require.NoError(t, first.Stop())

	// Second boot over the same storage: the user agrees to resume.
	sub := &recordingSubmitter{reports: make(chan domain.Report, 4)}
	second, err := New(testConfig(),
		WithStorage(store),
		WithReportSubmitter(sub),
		WithRecoveryPrompter(answer(true)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Stop() })

	result, err := second.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "visit", result.TaskID)
	assert.Equal(t, "check_in", result.ResumeNodeID)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, second.WaitTask(ctx, "visit"))

	report := sub.next(t)
	assert.Equal(t, []string{"route", "check_in", "note"}, report.ExecutionPath)
	assert.False(t, second.RecoveryStatus().FailsafeMode)

	logs, err := second.RecoveryLogs()
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestManager_RestartDeclinedStartsFresh(t *testing.T) {
	store := sharedStorage(t)

	first, err := New(testConfig(), WithStorage(store))
	require.NoError(t, err)
	_, err = first.Start(context.Background())
	require.NoError(t, err)
	_, err = first.LoadGraphBytes([]byte(visitJSON), "json")
	require.NoError(t, err)

	hold := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, first.RegisterCollaborator(domain.NodeTypeInteraction,
		ports.CollaboratorFunc(func(ctx context.Context, _ ports.NodeRequest) (ports.NodeResponse, error) {
			close(entered)
			select {
			case <-hold:
			case <-ctx.Done():
			}
			return ports.NodeResponse{}, ctx.Err()
		})))
	require.NoError(t, first.StartTask(context.Background(), "visit"))
	<-entered
	_, err = first.TriggerFailsafe(context.Background(), "battery critical", "power")
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second, err := New(testConfig(), WithStorage(store), WithRecoveryPrompter(answer(false)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Stop() })

	result, err := second.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, second.Status().Engine.ActiveTaskID)
	assert.False(t, second.RecoveryStatus().FailsafeMode)
}

func TestManager_ClearFailsafeKeepsTaskPaused(t *testing.T) {
	m, err := New(testConfig(), WithStorage(sharedStorage(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	_, err = m.Start(context.Background())
	require.NoError(t, err)

	_, err = m.LoadGraphBytes([]byte(visitJSON), "json")
	require.NoError(t, err)
	entered := make(chan struct{})
	var calls int
	require.NoError(t, m.RegisterCollaborator(domain.NodeTypeInteraction,
		ports.CollaboratorFunc(func(ctx context.Context, _ ports.NodeRequest) (ports.NodeResponse, error) {
			calls++
			if calls == 1 {
				close(entered)
				<-ctx.Done()
				return ports.NodeResponse{}, ctx.Err()
			}
			return ports.NodeResponse{Success: true}, nil
		})))
	require.NoError(t, m.StartTask(context.Background(), "visit"))
	<-entered

	_, err = m.TriggerFailsafe(context.Background(), "manual", "operator")
	require.NoError(t, err)
	require.NoError(t, m.ClearFailsafe())

	summary, err := m.TaskStatus("visit")
	require.NoError(t, err)
	assert.Equal(t, domain.GraphStatusPaused, summary.Status)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.ResumeTask(ctx, "visit"))
	require.NoError(t, m.WaitTask(ctx, "visit"))
}

func TestManager_EventsAndHealth(t *testing.T) {
	m, err := New(testConfig(), WithStorage(sharedStorage(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	_, err = m.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Health().Healthy)

	finished := make(chan domain.TaskEvent, 1)
	failsafe := make(chan domain.TaskEvent, 1)
	nodes := make(chan domain.TaskEvent, 8)
	m.OnTaskFinished(func(ev domain.TaskEvent) { finished <- ev })
	m.OnFailsafe(func(ev domain.TaskEvent) { failsafe <- ev })
	id := m.Subscribe("task:visit:node_*", func(ev domain.TaskEvent) { nodes <- ev })

	_, err = m.LoadGraphBytes([]byte(visitJSON), "json")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.RunTask(ctx, "visit"))

	select {
	case ev := <-finished:
		assert.Equal(t, "visit", ev.TaskID)
		assert.Equal(t, string(domain.GraphStatusComplete), ev.Status)
	case <-time.After(waitTimeout):
		t.Fatal("no finished event")
	}
	assert.Eventually(t, func() bool { return len(nodes) == 3 }, waitTimeout, 10*time.Millisecond)
	assert.True(t, m.Unsubscribe(id))

	_, err = m.TriggerFailsafe(context.Background(), "camera offline", "vision")
	require.NoError(t, err)
	select {
	case ev := <-failsafe:
		assert.Equal(t, "camera offline", ev.Error)
	case <-time.After(waitTimeout):
		t.Fatal("no failsafe event")
	}

	health := m.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "on", health.Details["failsafe"])

	require.NoError(t, m.ClearFailsafe())
	assert.True(t, m.Health().Healthy)
}

type downSubmitter struct {
	calls atomic.Int32
}

func (s *downSubmitter) Submit(context.Context, domain.Report) error {
	s.calls.Add(1)
	return errors.New("backend unavailable")
}

func TestManager_OpenBreakerQueuesReports(t *testing.T) {
	cfg := testConfig()
	cfg.Report.MaxRetries = 1
	cfg.Report.Breaker.FailureThreshold = 1
	cfg.Report.Breaker.OpenInterval = time.Hour

	sub := &downSubmitter{}
	m, err := New(cfg, WithStorage(sharedStorage(t)), WithReportSubmitter(sub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })
	_, err = m.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for _, id := range []string{"visit", "revisit"} {
		graph := strings.Replace(visitJSON, `"graph_id": "visit"`, `"graph_id": "`+id+`"`, 1)
		_, err = m.LoadGraphBytes([]byte(graph), "json")
		require.NoError(t, err)
		require.NoError(t, m.RunTask(ctx, id))
		id := id
		require.Eventually(t, func() bool {
			pending, err := m.PendingReports()
			if err != nil {
				return false
			}
			for _, p := range pending {
				if p.Report.TaskID == id {
					return true
				}
			}
			return false
		}, waitTimeout, 10*time.Millisecond)
	}

	assert.EqualValues(t, 1, sub.calls.Load())
	assert.Equal(t, "open", m.Status().ReportBreaker)

	pending, err := m.PendingReports()
	require.NoError(t, err)
	for _, p := range pending {
		if p.Report.TaskID == "revisit" {
			assert.Contains(t, p.LastError, breaker.ErrOpen.Error())
		}
	}
}
