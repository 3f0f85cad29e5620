package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDown = errors.New("backend down")

func fail(context.Context) error { return errDown }
func succeed(context.Context) error { return nil }

func newBreaker(clock *fakeClock, opts ...Option) *Breaker {
	cfg := domain.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenInterval: time.Minute, HalfOpenRequests: 1}
	return New("reports", cfg, quietLogger(), append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Call(context.Background(), fail), errDown)
	}
	require.NoError(t, b.Call(context.Background(), succeed))
	assert.Equal(t, ports.StateClosed, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Call(context.Background(), fail), errDown)
	}
	assert.Equal(t, ports.StateOpen, b.State())

	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, domain.IsRetryable(err))
	assert.False(t, called)
	assert.Equal(t, int64(1), b.Metrics().Rejected)
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	b := newBreaker(clock, WithStateChange(func(from, to ports.CircuitBreakerState) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))

	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}
	clock.Advance(time.Minute)

	require.NoError(t, b.Call(context.Background(), succeed))
	assert.Equal(t, ports.StateHalfOpen, b.State())
	require.NoError(t, b.Call(context.Background(), succeed))
	assert.Equal(t, ports.StateClosed, b.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}
	clock.Advance(time.Minute)

	assert.ErrorIs(t, b.Call(context.Background(), fail), errDown)
	assert.Equal(t, ports.StateOpen, b.State())
	assert.Equal(t, clock.Now().Add(time.Minute), b.Metrics().NextRetry)
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}
	clock.Advance(time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, b.Call(context.Background(), succeed), ErrOpen)
	close(release)
	require.NoError(t, <-done)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Call(ctx, func(ctx context.Context) error { return ctx.Err() }), context.Canceled)
	}
	assert.Equal(t, ports.StateClosed, b.State())
	assert.Zero(t, b.Metrics().Failures)
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), fail)
	}
	require.Equal(t, ports.StateOpen, b.State())

	b.Reset()
	assert.Equal(t, ports.StateClosed, b.State())
	assert.Zero(t, b.Metrics().Failures)
	assert.NoError(t, b.Call(context.Background(), succeed))
}

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, report domain.Report) error {
	return m.Called(ctx, report).Error(0)
}

func TestSubmitter_StopsCallingThroughWhenOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	next := &mockSubmitter{}
	next.On("Submit", mock.Anything, mock.Anything).Return(errDown).Times(3)

	sub := NewSubmitter(next, newBreaker(clock))
	report := domain.Report{TaskID: "hospital_visit", Status: domain.GraphStatusComplete}
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, sub.Submit(context.Background(), report), errDown)
	}
	assert.ErrorIs(t, sub.Submit(context.Background(), report), ErrOpen)
	next.AssertNumberOfCalls(t, "Submit", 3)
}
