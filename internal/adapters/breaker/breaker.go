package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// ErrOpen is returned without calling through while the breaker is open.
// It is not retryable, so callers fall back at once.
var ErrOpen = errors.New("circuit breaker is open")

type Breaker struct {
	name   string
	cfg    domain.BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	onChange func(from, to ports.CircuitBreakerState)

	mu                 sync.Mutex
	state              ports.CircuitBreakerState
	failures           int64
	successes          int64
	consecutiveFailure int64
	consecutiveSuccess int64
	rejected           int64
	halfOpenInFlight   int
	lastStateChange    time.Time
	nextRetry          time.Time
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange is called synchronously on every transition, outside the lock.
func WithStateChange(fn func(from, to ports.CircuitBreakerState)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

func New(name string, cfg domain.BreakerConfig, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.OpenInterval <= 0 {
		cfg.OpenInterval = defaults.OpenInterval
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = defaults.HalfOpenRequests
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "circuit-breaker", "name", name),
		now:    time.Now,
		state:  ports.StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Call runs fn unless the breaker is open. Context cancellation is not
// counted against the dependency.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.release()
	default:
		b.record(false)
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if b.state == ports.StateOpen && !b.now().Before(b.nextRetry) {
		change = b.setStateLocked(ports.StateHalfOpen)
	}

	switch b.state {
	case ports.StateClosed:
		return nil
	case ports.StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenRequests {
			b.halfOpenInFlight++
			return nil
		}
	}
	b.rejected++
	return fmt.Errorf("%s: %w", b.name, ErrOpen)
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == ports.StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if b.state == ports.StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if ok {
		b.successes++
		b.consecutiveSuccess++
		b.consecutiveFailure = 0
		if b.state == ports.StateHalfOpen && b.consecutiveSuccess >= int64(b.cfg.SuccessThreshold) {
			change = b.setStateLocked(ports.StateClosed)
		}
		return
	}

	b.failures++
	b.consecutiveFailure++
	b.consecutiveSuccess = 0
	switch b.state {
	case ports.StateClosed:
		if b.consecutiveFailure >= int64(b.cfg.FailureThreshold) {
			change = b.setStateLocked(ports.StateOpen)
		}
	case ports.StateHalfOpen:
		change = b.setStateLocked(ports.StateOpen)
	}
}

// setStateLocked returns the notification to run once the lock is released.
func (b *Breaker) setStateLocked(to ports.CircuitBreakerState) func() {
	from := b.state
	if from == to {
		return nil
	}

	b.state = to
	b.lastStateChange = b.now()
	b.halfOpenInFlight = 0
	switch to {
	case ports.StateOpen:
		b.nextRetry = b.lastStateChange.Add(b.cfg.OpenInterval)
		b.consecutiveSuccess = 0
	case ports.StateHalfOpen:
		b.consecutiveFailure = 0
	case ports.StateClosed:
		b.nextRetry = time.Time{}
		b.consecutiveFailure = 0
	}

	b.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
		"next_retry", b.nextRetry)

	if b.onChange == nil {
		return nil
	}
	return func() { b.onChange(from, to) }
}

func (b *Breaker) State() ports.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Metrics() ports.CircuitBreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ports.CircuitBreakerMetrics{
		State:              b.state,
		Failures:           b.failures,
		Successes:          b.successes,
		ConsecutiveFailure: b.consecutiveFailure,
		Rejected:           b.rejected,
		LastStateChange:    b.lastStateChange,
		NextRetry:          b.nextRetry,
	}
}

// Reset closes the breaker and zeroes its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.setStateLocked(ports.StateClosed)
	b.failures, b.successes, b.rejected = 0, 0, 0
	b.consecutiveFailure, b.consecutiveSuccess = 0, 0
	b.mu.Unlock()

	if change != nil {
		change()
	}
	b.logger.Info("circuit breaker reset")
}
