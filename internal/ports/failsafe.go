package ports

import (
	"context"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
)

type HeartbeatSink interface {
	Monitor(module string, interval time.Duration)
	Unmonitor(module string)
	Heartbeat(module string)
}

// ActiveTaskSource names the task a failsafe trigger should capture.
type ActiveTaskSource interface {
	ActiveTaskID() string
}

type FailureRecordStore interface {
	Save(record *domain.FailureRecord) error
	Pending() (*domain.FailureRecord, error)
	HasPending() (bool, error)
	Clear() error
}

type FailsafeController interface {
	RecoveryStatus() domain.RecoveryStatus
	ClearFailsafeMode()
}

// RecoveryPrompter asks the user whether to resume an interrupted task.
type RecoveryPrompter interface {
	PromptRecovery(ctx context.Context, record *domain.FailureRecord) (bool, error)
}
