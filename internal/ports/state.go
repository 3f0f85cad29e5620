package ports

import "github.com/luna-badge/taskcore/internal/domain"

// StatePort is the State Store as seen by the executor, controllers and engine.
type StatePort interface {
	Init(taskID string, nodeIDs []string, opts ...InitOption) error
	Remove(taskID string)
	Exists(taskID string) bool

	UpdateNodeStatus(taskID, nodeID string, status domain.NodeStatus, output any) error
	SkipNode(taskID, nodeID string) error
	ResetNode(taskID, nodeID string) error
	GetNodeStatus(taskID, nodeID string) (domain.NodeStatus, error)
	RecordNodeOutput(taskID, nodeID string, output any) error
	GetNodeOutput(taskID, nodeID string) (any, error)

	SetTaskStatus(taskID string, status domain.GraphStatus) error
	GetTaskStatus(taskID string) (domain.GraphStatus, error)
	CurrentNode(taskID string) (string, error)
	SetCurrentNode(taskID, nodeID string) error

	UpdateContext(taskID string, updates map[string]any) error
	Context(taskID string) (map[string]any, error)

	PauseForInsertedTask(taskID, insertedID, currentNode string) (string, error)
	ResumeFromInsertedTask(taskID string) (string, bool)

	Persist(taskID string) (string, error)
	Load(key string) (*domain.TaskState, error)
	LatestKey(taskID string) (string, error)
	Adopt(state *domain.TaskState) error
	Snapshot(taskID string) (*domain.TaskState, error)
	Prune(taskID string, keep int) (int, error)
	DeletePersisted(taskID string) (int, error)

	Summary(taskID string) (domain.TaskSummary, error)
	ActiveTaskIDs() []string
}

type InitOptions struct {
	Replace bool
}

type InitOption func(*InitOptions)

// WithReplace discards any live state for the task instead of failing.
func WithReplace() InitOption {
	return func(o *InitOptions) {
		o.Replace = true
	}
}
