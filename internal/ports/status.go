package ports

import "github.com/luna-badge/taskcore/internal/domain"

// StatusProvider is what the status server reads on every request.
type StatusProvider interface {
	Health() domain.HealthStatus
	Status() domain.RuntimeStatus
	Metrics() domain.ExecutionMetrics
}
