package domain

import "time"

type InsertionStatus string

const (
	InsertionActive    InsertionStatus = "active"
	InsertionCompleted InsertionStatus = "completed"
	InsertionCancelled InsertionStatus = "cancelled"
	InsertionExpired   InsertionStatus = "expired"
)

type InsertedTaskInfo struct {
	ParentID     string          `json:"parent_id"`
	InsertedID   string          `json:"inserted_id"`
	ResumeNodeID string          `json:"resume_node_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       InsertionStatus `json:"status"`
	Timeout      time.Duration   `json:"timeout"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

func (i *InsertedTaskInfo) ExpiresAt() time.Time {
	return i.StartedAt.Add(i.Timeout)
}

// ResumeEvent is published whenever an insertion ends and the parent resumes.
type ResumeEvent struct {
	ParentID     string          `json:"parent_id"`
	InsertedID   string          `json:"inserted_id"`
	ResumeNodeID string          `json:"resume_node_id"`
	Outcome      InsertionStatus `json:"outcome"`
}

// InsertionQueueStatus counts insertions by outcome since startup.
type InsertionQueueStatus struct {
	Active    int               `json:"active"`
	Completed int               `json:"completed"`
	Cancelled int               `json:"cancelled"`
	Expired   int               `json:"expired"`
	Current   *InsertedTaskInfo `json:"current,omitempty"`
}
