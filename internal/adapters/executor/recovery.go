package executor

import (
	"context"
	"runtime"

	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// invoke calls the collaborator, converting a panic into a CollaboratorError
// that carries the stack.
func (e *Executor) invoke(ctx context.Context, taskID string, node domain.Node, collaborator ports.Collaborator, req ports.NodeRequest) (resp ports.NodeResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)

			e.logger.Error("collaborator panicked",
				"task_id", taskID,
				"node_id", node.ID,
				"node_type", node.Type,
				"panic_value", r,
				"stack_trace", string(buf[:n]))

			resp = ports.NodeResponse{}
			err = &domain.CollaboratorError{
				TaskID:     taskID,
				NodeID:     node.ID,
				NodeType:   node.Type,
				Panic:      r,
				StackTrace: string(buf[:n]),
			}
		}
	}()

	return collaborator.Execute(ctx, req)
}
