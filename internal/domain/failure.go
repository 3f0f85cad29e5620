package domain

import "time"

type FailureRecord struct {
	ID                string         `json:"id"`
	Reason            string         `json:"reason"`
	ModuleName        string         `json:"module_name"`
	Timestamp         time.Time      `json:"timestamp"`
	TaskID            string         `json:"task_id,omitempty"`
	LastKnownNode     string         `json:"last_known_node,omitempty"`
	StateKey          string         `json:"state_key,omitempty"`
	CacheSnapshot     *CacheSnapshot `json:"cache_snapshot,omitempty"`
	RecoveryAvailable bool           `json:"recovery_available"`
}

type RecoveryStatus struct {
	FailsafeMode bool           `json:"failsafe_mode"`
	HasRecovery  bool           `json:"has_recovery"`
	RecoveryInfo *FailureRecord `json:"recovery_info,omitempty"`
	Monitored    []string       `json:"monitored"`
}

type RecoveryPhase string

const (
	RecoveryPhaseCheck   RecoveryPhase = "CHECK"
	RecoveryPhaseNone    RecoveryPhase = "NONE"
	RecoveryPhasePrompt  RecoveryPhase = "PROMPT"
	RecoveryPhaseResume  RecoveryPhase = "RESUME"
	RecoveryPhaseDiscard RecoveryPhase = "DISCARD"
)

type RecoveryLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	TaskID    string    `json:"task_id,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
}

type RecoveryResult struct {
	TaskID       string         `json:"task_id"`
	ResumeNodeID string         `json:"resume_node_id"`
	Status       GraphStatus    `json:"status"`
	Record       *FailureRecord `json:"record"`
}

type FailsafeEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	ModuleName string    `json:"module_name"`
	TaskID     string    `json:"task_id,omitempty"`
	RecordID   string    `json:"record_id"`
}
