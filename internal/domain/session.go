package domain

// EngineInfo is a point-in-time view of the task engine.
type EngineInfo struct {
	Graphs       []string          `json:"graphs"`
	ActiveTaskID string            `json:"active_task_id,omitempty"`
	Insertion    *InsertedTaskInfo `json:"insertion,omitempty"`
	Frozen       bool              `json:"frozen"`
	Metrics      ExecutionMetrics  `json:"metrics"`
}

// RuntimeStatus combines every component view for a status screen or the
// status server.
type RuntimeStatus struct {
	Engine         EngineInfo           `json:"engine"`
	Failsafe       RecoveryStatus       `json:"failsafe"`
	RecoveryPhase  RecoveryPhase        `json:"recovery_phase"`
	Cache          CacheInfo            `json:"cache"`
	Insertions     InsertionQueueStatus `json:"insertions"`
	PendingReports int                  `json:"pending_reports"`
	ReportBreaker  string               `json:"report_breaker,omitempty"`
}

type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}
