package domain

import (
	"strings"
	"time"
)

type GraphStatus string

const (
	GraphStatusPending   GraphStatus = "pending"
	GraphStatusRunning   GraphStatus = "running"
	GraphStatusPaused    GraphStatus = "paused"
	GraphStatusComplete  GraphStatus = "complete"
	GraphStatusError     GraphStatus = "error"
	GraphStatusCancelled GraphStatus = "cancelled"
)

// Terminal reports whether no further node can run under this status.
func (s GraphStatus) Terminal() bool {
	return s == GraphStatusComplete || s == GraphStatusError || s == GraphStatusCancelled
}

type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusRunning  NodeStatus = "running"
	NodeStatusComplete NodeStatus = "complete"
	NodeStatusFailed   NodeStatus = "failed"
	NodeStatusSkipped  NodeStatus = "skipped"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusComplete, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// Finished counts toward progress.
func (s NodeStatus) Finished() bool {
	return s == NodeStatusComplete || s == NodeStatusSkipped
}

// CanTransition holds the only legal moves made through UpdateNodeStatus.
func CanTransition(from, to NodeStatus) bool {
	switch from {
	case NodeStatusPending:
		return to == NodeStatusRunning
	case NodeStatusRunning:
		return to == NodeStatusComplete || to == NodeStatusFailed
	}
	return false
}

type NodeState struct {
	Status    NodeStatus `json:"status"`
	Output    any        `json:"output,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type InsertedTaskState struct {
	IsActive       bool       `json:"is_active"`
	PausedMainNode string     `json:"paused_main_node,omitempty"`
	InsertedTaskID string     `json:"inserted_task_id,omitempty"`
	PauseTime      *time.Time `json:"pause_time,omitempty"`
}

type TaskState struct {
	TaskID        string                `json:"task_id"`
	GraphStatus   GraphStatus           `json:"graph_status"`
	CurrentNodeID string                `json:"current_node_id,omitempty"`
	NodeOrder     []string              `json:"node_order"`
	Nodes         map[string]*NodeState `json:"nodes"`
	InsertedTask  InsertedTaskState     `json:"inserted_task"`
	Progress      int                   `json:"progress"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	PausedAt      *time.Time            `json:"paused_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	Context       map[string]any        `json:"context"`
}

func NewTaskState(taskID string, nodeIDs []string) *TaskState {
	nodes := make(map[string]*NodeState, len(nodeIDs))
	order := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if _, dup := nodes[id]; dup {
			continue
		}
		nodes[id] = &NodeState{Status: NodeStatusPending}
		order = append(order, id)
	}
	return &TaskState{
		TaskID:      taskID,
		GraphStatus: GraphStatusPending,
		NodeOrder:   order,
		Nodes:       nodes,
		Context:     make(map[string]any),
	}
}

func (s *TaskState) Clone() *TaskState {
	if s == nil {
		return nil
	}
	out := *s
	out.NodeOrder = append([]string(nil), s.NodeOrder...)
	out.Nodes = make(map[string]*NodeState, len(s.Nodes))
	for id, ns := range s.Nodes {
		copied := *ns
		out.Nodes[id] = &copied
	}
	out.Context = CloneMap(s.Context)
	out.StartedAt = cloneTime(s.StartedAt)
	out.PausedAt = cloneTime(s.PausedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.InsertedTask.PauseTime = cloneTime(s.InsertedTask.PauseTime)
	return &out
}

func (s *TaskState) CountNodes(status NodeStatus) int {
	n := 0
	for _, ns := range s.Nodes {
		if ns.Status == status {
			n++
		}
	}
	return n
}

func (s *TaskState) NodesWithStatus(status NodeStatus) []string {
	var ids []string
	for _, id := range s.NodeOrder {
		if n, ok := s.Nodes[id]; ok && n.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsInsertedTask follows the id convention used for side-tasks.
func IsInsertedTask(taskID string) bool {
	return strings.HasPrefix(taskID, InsertedTaskPrefix)
}

const InsertedTaskPrefix = "inserted_"

type TaskSummary struct {
	TaskID         string      `json:"task_id"`
	Status         GraphStatus `json:"status"`
	Progress       int         `json:"progress"`
	CurrentNodeID  string      `json:"current_node_id,omitempty"`
	NodesTotal     int         `json:"nodes_total"`
	NodesCompleted int         `json:"nodes_completed"`
	NodesFailed    int         `json:"nodes_failed"`
	NodesSkipped   int         `json:"nodes_skipped"`
	NodesPending   int         `json:"nodes_pending"`
	CompletedNodes []string    `json:"completed_nodes,omitempty"`
	FailedNodes    []string    `json:"failed_nodes,omitempty"`
	InsertedActive bool        `json:"inserted_active"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Duration       float64     `json:"duration"`
	Timestamp      time.Time   `json:"timestamp"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
