package ports

import "github.com/luna-badge/taskcore/internal/domain"

// EventSink receives task lifecycle events. Publish must not block.
type EventSink interface {
	Publish(event domain.TaskEvent)
}
