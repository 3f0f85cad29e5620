package ports

import (
	"context"
	"time"
)

type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CircuitBreakerMetrics struct {
	State              CircuitBreakerState `json:"state"`
	Failures           int64               `json:"failures"`
	Successes          int64               `json:"successes"`
	ConsecutiveFailure int64               `json:"consecutive_failure"`
	Rejected           int64               `json:"rejected"`
	LastStateChange    time.Time           `json:"last_state_change"`
	NextRetry          time.Time           `json:"next_retry,omitempty"`
}

// CircuitBreaker stops calling a dependency that keeps failing and probes
// it again after a cool-down.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	State() CircuitBreakerState
	Metrics() CircuitBreakerMetrics
	Reset()
}
