package engine

import (
	"errors"

	"github.com/luna-badge/taskcore/internal/domain"
)

// errorLogAttrs expands err into slog attributes naming the failing task,
// node and error kind where the error carries them.
func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{"error", err}

	var collab *domain.CollaboratorError
	if errors.As(err, &collab) {
		attrs = append(attrs,
			"error_kind", "collaborator",
			"node_id", collab.NodeID,
			"node_type", collab.NodeType,
			"timeout", collab.Timeout,
			"panic", collab.Panic)
		return attrs
	}

	var transition *domain.InvalidTransitionError
	if errors.As(err, &transition) {
		return append(attrs, "error_kind", "transition", "node_id", transition.NodeID)
	}

	var persistence *domain.PersistenceError
	if errors.As(err, &persistence) {
		return append(attrs, "error_kind", "persistence", "key", persistence.Key)
	}

	if errors.Is(err, domain.ErrTimeout) {
		attrs = append(attrs, "error_kind", "timeout")
	}
	return attrs
}
