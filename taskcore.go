// Package taskcore runs task graphs for a personal assistive device.
//
// A task graph is a directed acyclic graph of typed nodes (navigation,
// interaction, observation, ...) loaded from JSON or HCL. Taskcore drives one
// main graph at a time through the collaborators registered for each node
// type. It provides:
//   - Durable per-node state with snapshots in badger, files or memory
//   - A TTL cache for node outputs shared across a task
//   - Single-level task insertion that pauses and later resumes the main graph
//   - A heartbeat failsafe that freezes the task and records how to resume it
//   - Restart recovery from the last failure record
//   - Execution reports uploaded with retry, and delayed resource cleanup
//   - An in-process event bus and an optional HTTP status server
//
// Basic usage:
//
//	manager, err := taskcore.New(taskcore.NewConfigFromSimple("user-1", "./data", logger))
//	manager.RegisterCollaborator(taskcore.NodeTypeNavigation, myNavigator)
//	manager.Start(ctx)
//	manager.LoadGraph(ctx, "hospital_visit.json")
//	manager.RunTask(ctx, "hospital_visit")
package taskcore

import (
	"github.com/luna-badge/taskcore/internal/core"
	"github.com/luna-badge/taskcore/internal/domain"
	"github.com/luna-badge/taskcore/internal/ports"
)

// Manager owns the runtime: storage, engine, failsafe and recovery.
type Manager = core.Manager

// Option customizes a Manager at construction.
type Option = core.Option

// Status is the combined view returned by Manager.Status.
type Status = core.Status

// TaskGraph is a validated graph definition.
type TaskGraph = domain.TaskGraph

type Node = domain.Node

type Edge = domain.Edge

type NodeType = domain.NodeType

type GraphStatus = domain.GraphStatus

type NodeStatus = domain.NodeStatus

// TaskSummary is the progress view of a single task.
type TaskSummary = domain.TaskSummary

// Report is the execution report built when a main graph finishes.
type Report = domain.Report

type PendingReport = domain.PendingReport

// FailureRecord is what the failsafe captured when it fired.
type FailureRecord = domain.FailureRecord

type RecoveryResult = domain.RecoveryResult

type RecoveryStatus = domain.RecoveryStatus

type RecoveryLogEntry = domain.RecoveryLogEntry

type FailsafeEvent = domain.FailsafeEvent

// InsertedTaskInfo describes an insertion, active or from history.
type InsertedTaskInfo = domain.InsertedTaskInfo

type InsertionStatus = domain.InsertionStatus

type ExecutionMetrics = domain.ExecutionMetrics

type HealthStatus = domain.HealthStatus

// TaskEvent is published on every task, node, insertion and failsafe
// transition. Subscribe with Manager.Subscribe or the typed On* hooks.
type TaskEvent = domain.TaskEvent

type TaskEventType = domain.TaskEventType

// Collaborator performs the real work of one node type.
type Collaborator = ports.Collaborator

// CollaboratorFunc adapts a plain function to Collaborator.
type CollaboratorFunc = ports.CollaboratorFunc

type NodeRequest = ports.NodeRequest

type NodeResponse = ports.NodeResponse

// FallbackHandler runs a node's fallback_action after a failure.
type FallbackHandler = ports.FallbackHandler

// RecoveryPrompter asks the user whether to resume after a restart.
type RecoveryPrompter = ports.RecoveryPrompter

// ReportSubmitter delivers reports to the backend.
type ReportSubmitter = ports.ReportSubmitter

// StoragePort is the key-value store under every durable component.
type StoragePort = ports.StoragePort

// GraphFetcher loads graph definitions that are not on disk.
type GraphFetcher = ports.GraphFetcher

const (
	NodeTypeInteraction        = domain.NodeTypeInteraction
	NodeTypeNavigation         = domain.NodeTypeNavigation
	NodeTypeObservation        = domain.NodeTypeObservation
	NodeTypeConditionCheck     = domain.NodeTypeConditionCheck
	NodeTypeExternalCall       = domain.NodeTypeExternalCall
	NodeTypeMemoryAction       = domain.NodeTypeMemoryAction
	NodeTypeEnvironmentalState = domain.NodeTypeEnvironmentalState
	NodeTypeSceneEntry         = domain.NodeTypeSceneEntry
	NodeTypeDecision           = domain.NodeTypeDecision
)

const (
	GraphStatusPending   = domain.GraphStatusPending
	GraphStatusRunning   = domain.GraphStatusRunning
	GraphStatusPaused    = domain.GraphStatusPaused
	GraphStatusComplete  = domain.GraphStatusComplete
	GraphStatusError     = domain.GraphStatusError
	GraphStatusCancelled = domain.GraphStatusCancelled
)

const (
	EventTaskStarted       = domain.EventTaskStarted
	EventTaskPaused        = domain.EventTaskPaused
	EventTaskResumed       = domain.EventTaskResumed
	EventTaskRecovered     = domain.EventTaskRecovered
	EventTaskFinished      = domain.EventTaskFinished
	EventNodeCompleted     = domain.EventNodeCompleted
	EventNodeFailed        = domain.EventNodeFailed
	EventInsertionStarted  = domain.EventInsertionStarted
	EventInsertionEnded    = domain.EventInsertionEnded
	EventFailsafeTriggered = domain.EventFailsafeTriggered
)

const (
	InsertionActive    = domain.InsertionActive
	InsertionCompleted = domain.InsertionCompleted
	InsertionCancelled = domain.InsertionCancelled
	InsertionExpired   = domain.InsertionExpired
)

// Errors callers are expected to match with errors.Is.
var (
	ErrGraphNotRegistered = domain.ErrGraphNotRegistered
	ErrMainGraphActive    = domain.ErrMainGraphActive
	ErrFailsafeActive     = domain.ErrFailsafeActive
	ErrNotInterruptible   = domain.ErrNotInterruptible
	ErrTaskNotRunning     = domain.ErrTaskNotRunning
	ErrInsertionNotActive = domain.ErrInsertionNotActive
	ErrInvalidInput       = domain.ErrInvalidInput
	ErrTimeout            = domain.ErrTimeout
)

// NestingRejectedError is returned when an insertion is requested while
// another one is active.
type NestingRejectedError = domain.NestingRejectedError

// CollaboratorError wraps a collaborator failure with its task and node.
type CollaboratorError = domain.CollaboratorError

type ValidationError = domain.ValidationError

func IsNestingRejected(err error) bool {
	return domain.IsNestingRejected(err)
}

func IsCollaboratorError(err error) bool {
	return domain.IsCollaboratorError(err)
}

func IsValidationError(err error) bool {
	return domain.IsValidationError(err)
}

// New builds a Manager from config. Nothing runs until Manager.Start.
//
// Example:
//
//	config := taskcore.DefaultConfig().
//	    WithStorage(taskcore.StorageBadger, "/var/lib/taskcore").
//	    WithReportEndpoint("https://backend.example/reports")
//	config.UserID = "user-1"
//	manager, err := taskcore.New(config, taskcore.WithRecoveryPrompter(prompter))
func New(config *Config, opts ...Option) (*Manager, error) {
	return core.New(config, opts...)
}

func WithStorage(s StoragePort) Option {
	return core.WithStorage(s)
}

func WithReportSubmitter(s ReportSubmitter) Option {
	return core.WithReportSubmitter(s)
}

func WithRecoveryPrompter(p RecoveryPrompter) Option {
	return core.WithRecoveryPrompter(p)
}

func WithFallbackHandler(h FallbackHandler) Option {
	return core.WithFallbackHandler(h)
}

func WithGraphFetcher(f GraphFetcher) Option {
	return core.WithGraphFetcher(f)
}

// LinearEdges chains nodes in list order, for graphs built in code.
func LinearEdges(nodes []Node) []Edge {
	return domain.LinearEdges(nodes)
}
