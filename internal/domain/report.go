package domain

import "time"

type Report struct {
	ID             string      `json:"id"`
	TaskID         string      `json:"task_id"`
	UserID         string      `json:"user_id"`
	GraphName      string      `json:"graph_name"`
	Scene          string      `json:"scene"`
	ExecutionPath  []string    `json:"execution_path"`
	FailedNodes    []string    `json:"failed_nodes"`
	Corrections    []any       `json:"corrections"`
	Duration       float64     `json:"duration"`
	Status         GraphStatus `json:"status"`
	Progress       int         `json:"progress"`
	NodesTotal     int         `json:"nodes_total"`
	NodesCompleted int         `json:"nodes_completed"`
	CreatedAt      time.Time   `json:"created_at"`
}

type PendingReport struct {
	Report    Report    `json:"report"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}
