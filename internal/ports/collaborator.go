package ports

import (
	"context"

	"github.com/luna-badge/taskcore/internal/domain"
)

// Collaborator performs the real work behind one node type.
type Collaborator interface {
	Execute(ctx context.Context, req NodeRequest) (NodeResponse, error)
}

type NodeRequest struct {
	TaskID  string
	Node    domain.Node
	Context map[string]any
	// Heartbeat reports liveness to the failsafe monitor; safe to call when unsupervised.
	Heartbeat func()
}

type NodeResponse struct {
	Success bool
	Output  map[string]any
	Error   string
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, req NodeRequest) (NodeResponse, error)

func (f CollaboratorFunc) Execute(ctx context.Context, req NodeRequest) (NodeResponse, error) {
	return f(ctx, req)
}

// FallbackHandler runs a node's fallback_action after its collaborator failed.
type FallbackHandler interface {
	HandleFallback(ctx context.Context, taskID string, node domain.Node, cause error) (map[string]any, error)
}
