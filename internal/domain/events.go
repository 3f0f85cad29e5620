package domain

import "time"

type TaskEventType string

const (
	EventTaskStarted       TaskEventType = "started"
	EventTaskPaused        TaskEventType = "paused"
	EventTaskResumed       TaskEventType = "resumed"
	EventTaskRecovered     TaskEventType = "recovered"
	EventTaskFinished      TaskEventType = "finished"
	EventNodeCompleted     TaskEventType = "node_completed"
	EventNodeFailed        TaskEventType = "node_failed"
	EventInsertionStarted  TaskEventType = "insertion_started"
	EventInsertionEnded    TaskEventType = "insertion_ended"
	EventFailsafeTriggered TaskEventType = "failsafe_triggered"
)

// TaskEvent is published on every lifecycle transition of a task. Status
// holds the graph status for task events, the node status for node events
// and the outcome for insertion events.
type TaskEvent struct {
	Type      TaskEventType  `json:"type"`
	TaskID    string         `json:"task_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Key is the address subscribers match against: "task:{task_id}:{type}".
// Failsafe events without a task use "failsafe:{type}".
func (e TaskEvent) Key() string {
	if e.TaskID == "" {
		return "failsafe:" + string(e.Type)
	}
	return "task:" + e.TaskID + ":" + string(e.Type)
}
