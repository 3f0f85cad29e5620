package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/luna-badge/taskcore/internal/adapters/cache"
	"github.com/luna-badge/taskcore/internal/adapters/state"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	exec  *Executor
	state *state.Store
	cache *cache.Cache
}

func newFixture(t *testing.T, cfg domain.ExecutorConfig, nodeIDs []string, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewStore(nil, logger)
	c := cache.New(domain.DefaultCacheConfig(), logger)

	exec, err := New(cfg, st, c, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close(time.Second) })

	require.NoError(t, st.Init("t1", nodeIDs))
	return &fixture{exec: exec, state: st, cache: c}
}

type mockCollaborator struct {
	mock.Mock
}

func (m *mockCollaborator) Execute(ctx context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ports.NodeResponse), args.Error(1)
}

type mockFallback struct {
	mock.Mock
}

func (m *mockFallback) HandleFallback(ctx context.Context, taskID string, node domain.Node, cause error) (map[string]any, error) {
	args := m.Called(ctx, taskID, node, cause)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Monitor(module string, interval time.Duration) { m.Called(module, interval) }
func (m *mockSink) Unmonitor(module string)                      { m.Called(module) }
func (m *mockSink) Heartbeat(module string)                      { m.Called(module) }

func TestExecute_MockCollaborator(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"nav"})
	node := domain.Node{ID: "nav", Type: domain.NodeTypeNavigation, Title: "go", Config: map[string]any{"destination": "City Hospital"}}

	res, err := f.exec.Execute(context.Background(), "t1", node, nil)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Mocked)
	assert.Equal(t, domain.NodeStatusComplete, res.Status)
	assert.Equal(t, true, res.Output["mock"])
	assert.Equal(t, 30, res.Output["estimated_time"])
	assert.Equal(t, 2.5, res.Output["distance"])
	assert.Equal(t, "City Hospital", res.Output["destination"])

	status, _ := f.state.GetNodeStatus("t1", "nav")
	assert.Equal(t, domain.NodeStatusComplete, status)

	cached, ok := f.cache.Get("task:t1:nav")
	require.True(t, ok)
	assert.Equal(t, res.Output, cached)
	assert.Equal(t, int64(1), f.exec.Metrics().GetSnapshot().NodesMocked)
}

func TestExecute_RegisteredCollaborator(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"ask"})
	collab := &mockCollaborator{}
	collab.On("Execute", mock.Anything, mock.MatchedBy(func(req ports.NodeRequest) bool {
		return req.TaskID == "t1" && req.Node.ID == "ask" && req.Context["floor"] == 2
	})).Return(ports.NodeResponse{Success: true, Output: map[string]any{"response": "ok"}}, nil).Once()

	require.NoError(t, f.exec.Register(domain.NodeTypeInteraction, collab))

	node := domain.Node{ID: "ask", Type: domain.NodeTypeInteraction, Title: "ask"}
	res, err := f.exec.Execute(context.Background(), "t1", node, map[string]any{"floor": 2})
	require.NoError(t, err)
	assert.False(t, res.Mocked)
	assert.Equal(t, "ok", res.Output["response"])
	assert.NotContains(t, res.Output, "mock")
	collab.AssertExpectations(t)

	assert.ErrorIs(t, f.exec.Register("teleport", collab), domain.ErrInvalidInput)
}

func TestExecute_FailureWithoutFallback(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"call"})
	collab := &mockCollaborator{}
	collab.On("Execute", mock.Anything, mock.Anything).Return(ports.NodeResponse{}, errors.New("service down"))
	require.NoError(t, f.exec.Register(domain.NodeTypeExternalCall, collab))

	node := domain.Node{ID: "call", Type: domain.NodeTypeExternalCall, Title: "call"}
	res, err := f.exec.Execute(context.Background(), "t1", node, nil)

	var collabErr *domain.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	assert.Equal(t, "call", collabErr.NodeID)
	assert.Contains(t, err.Error(), "service down")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, domain.NodeStatusFailed, res.Status)

	status, _ := f.state.GetNodeStatus("t1", "call")
	assert.Equal(t, domain.NodeStatusFailed, status)
	assert.False(t, f.cache.Has("task:t1:call"))
}

func TestExecute_UnsuccessfulResponseIsFailure(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"look"})
	collab := &mockCollaborator{}
	collab.On("Execute", mock.Anything, mock.Anything).Return(ports.NodeResponse{Success: false, Error: "camera blocked"}, nil)
	require.NoError(t, f.exec.Register(domain.NodeTypeObservation, collab))

	_, err := f.exec.Execute(context.Background(), "t1", domain.Node{ID: "look", Type: domain.NodeTypeObservation, Title: "look"}, nil)
	assert.True(t, domain.IsCollaboratorError(err))
	assert.Contains(t, err.Error(), "camera blocked")
}

func TestExecute_DefaultFallbackAbsorbsError(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"walk"})
	collab := &mockCollaborator{}
	collab.On("Execute", mock.Anything, mock.Anything).Return(ports.NodeResponse{}, errors.New("lost gps"))
	require.NoError(t, f.exec.Register(domain.NodeTypeNavigation, collab))

	node := domain.Node{ID: "walk", Type: domain.NodeTypeNavigation, Title: "walk", FallbackAction: "ask_for_directions"}
	res, err := f.exec.Execute(context.Background(), "t1", node, nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, domain.NodeStatusFailed, res.Status)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, "ask_for_directions", res.Fallback.Action)
	assert.True(t, res.Fallback.Executed)
	assert.Contains(t, res.Fallback.Message, "ask_for_directions")
	assert.Equal(t, int64(1), f.exec.Metrics().GetSnapshot().FallbacksRun)
}

func TestExecute_FallbackHandler(t *testing.T) {
	handler := &mockFallback{}
	f := newFixture(t, domain.ExecutorConfig{}, []string{"walk", "walk2"}, WithFallbackHandler(handler))
	collab := &mockCollaborator{}
	collab.On("Execute", mock.Anything, mock.Anything).Return(ports.NodeResponse{}, errors.New("lost gps"))
	require.NoError(t, f.exec.Register(domain.NodeTypeNavigation, collab))

	handler.On("HandleFallback", mock.Anything, "t1", mock.MatchedBy(func(n domain.Node) bool { return n.ID == "walk" }), mock.Anything).
		Return(map[string]any{"asked": "staff"}, nil).Once()
	handler.On("HandleFallback", mock.Anything, "t1", mock.MatchedBy(func(n domain.Node) bool { return n.ID == "walk2" }), mock.Anything).
		Return(nil, errors.New("nobody around")).Once()

	res, err := f.exec.Execute(context.Background(), "t1",
		domain.Node{ID: "walk", Type: domain.NodeTypeNavigation, Title: "w", FallbackAction: "ask_staff"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"asked": "staff"}, res.Fallback.Output)
	out, _ := f.state.GetNodeOutput("t1", "walk")
	assert.Equal(t, map[string]any{"asked": "staff"}, out)

	res, err = f.exec.Execute(context.Background(), "t1",
		domain.Node{ID: "walk2", Type: domain.NodeTypeNavigation, Title: "w", FallbackAction: "ask_staff"}, nil)
	require.Error(t, err)
	assert.True(t, domain.IsCollaboratorError(err))
	assert.False(t, res.Fallback.Executed)
	handler.AssertExpectations(t)
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"slow"})
	require.NoError(t, f.exec.Register(domain.NodeTypeObservation, ports.CollaboratorFunc(
		func(ctx context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
			<-ctx.Done()
			return ports.NodeResponse{}, ctx.Err()
		})))

	node := domain.Node{ID: "slow", Type: domain.NodeTypeObservation, Title: "s", Timeout: 0.05}
	res, err := f.exec.Execute(context.Background(), "t1", node, nil)

	var collabErr *domain.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	assert.True(t, collabErr.Timeout)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, domain.NodeStatusFailed, res.Status)
	assert.Equal(t, int64(1), f.exec.Metrics().GetSnapshot().NodesTimedOut)
}

func TestExecute_TimeoutHoldsWhilePoolIsSaturated(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{PoolSize: 1}, []string{"a", "b", "c"})
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	require.NoError(t, f.exec.Register(domain.NodeTypeNavigation, ports.CollaboratorFunc(
		func(context.Context, ports.NodeRequest) (ports.NodeResponse, error) {
			<-stuck
			return ports.NodeResponse{Success: true}, nil
		})))

	first := domain.Node{ID: "a", Type: domain.NodeTypeNavigation, Title: "a", Timeout: 0.05, FallbackAction: "ask a passer-by"}
	res, err := f.exec.Execute(context.Background(), "t1", first, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusFailed, res.Status)

	type outcome struct {
		res *domain.NodeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		node := domain.Node{ID: "b", Type: domain.NodeTypeNavigation, Title: "b", Timeout: 0.05}
		res, err := f.exec.Execute(context.Background(), "t1", node, nil)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		assert.True(t, domain.IsTimeout(out.err))
		require.NotNil(t, out.res)
		assert.Equal(t, domain.NodeStatusFailed, out.res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("node timeout not applied while every worker was busy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := f.exec.Execute(ctx, "t1", domain.Node{ID: "c", Type: domain.NodeTypeNavigation, Title: "c"}, nil)
		cancelled <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not applied while every worker was busy")
	}
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"boom"})
	require.NoError(t, f.exec.Register(domain.NodeTypeMemoryAction, ports.CollaboratorFunc(
		func(ctx context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
			panic("memory corrupted")
		})))

	_, err := f.exec.Execute(context.Background(), "t1", domain.Node{ID: "boom", Type: domain.NodeTypeMemoryAction, Title: "b"}, nil)

	var collabErr *domain.CollaboratorError
	require.ErrorAs(t, err, &collabErr)
	assert.Equal(t, "memory corrupted", collabErr.Panic)
	assert.NotEmpty(t, collabErr.StackTrace)
	status, _ := f.state.GetNodeStatus("t1", "boom")
	assert.Equal(t, domain.NodeStatusFailed, status)
}

func TestExecute_CancelledContextLeavesNodeRunning(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"wait"})
	started := make(chan struct{})
	require.NoError(t, f.exec.Register(domain.NodeTypeInteraction, ports.CollaboratorFunc(
		func(ctx context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
			close(started)
			<-ctx.Done()
			return ports.NodeResponse{}, ctx.Err()
		})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.exec.Execute(ctx, "t1", domain.Node{ID: "wait", Type: domain.NodeTypeInteraction, Title: "w"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsCollaboratorError(err))

	status, _ := f.state.GetNodeStatus("t1", "wait")
	assert.Equal(t, domain.NodeStatusRunning, status)
}

func TestExecute_RequireCollaborators(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{RequireCollaborators: true}, []string{"nav", "check"})

	_, err := f.exec.Execute(context.Background(), "t1", domain.Node{ID: "nav", Type: domain.NodeTypeNavigation, Title: "n"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err := f.exec.Execute(context.Background(), "t1", domain.Node{ID: "check", Type: domain.NodeTypeConditionCheck, Title: "c"}, nil)
	require.NoError(t, err, "built-in handlers need no collaborator")
	assert.Equal(t, RoutePassed, res.Route())
}

func TestExecute_HeartbeatSupervision(t *testing.T) {
	sink := &mockSink{}
	sink.On("Monitor", "collaborator.navigation", 50*time.Millisecond).Once()
	sink.On("Heartbeat", "collaborator.navigation")
	sink.On("Unmonitor", "collaborator.navigation").Once()

	f := newFixture(t, domain.ExecutorConfig{MonitorCollaborators: true, HeartbeatInterval: 50 * time.Millisecond},
		[]string{"nav"}, WithHeartbeatSink(sink))
	require.NoError(t, f.exec.Register(domain.NodeTypeNavigation, ports.CollaboratorFunc(
		func(ctx context.Context, req ports.NodeRequest) (ports.NodeResponse, error) {
			req.Heartbeat()
			return ports.NodeResponse{Success: true}, nil
		})))

	_, err := f.exec.Execute(context.Background(), "t1", domain.Node{ID: "nav", Type: domain.NodeTypeNavigation, Title: "n"}, nil)
	require.NoError(t, err)
	sink.AssertExpectations(t)
}

func TestExecute_IllegalTransition(t *testing.T) {
	f := newFixture(t, domain.ExecutorConfig{}, []string{"nav"})
	node := domain.Node{ID: "nav", Type: domain.NodeTypeNavigation, Title: "n"}

	_, err := f.exec.Execute(context.Background(), "t1", node, nil)
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), "t1", node, nil)
	assert.True(t, domain.IsInvalidTransition(err))

	_, err = f.exec.Execute(context.Background(), "t1", domain.Node{ID: "ghost", Type: domain.NodeTypeNavigation}, nil)
	assert.True(t, domain.IsUnknownNode(err))
}
