package domain

import (
	"sync/atomic"
	"time"
)

type ExecutionMetrics struct {
	GraphsStarted   int64 `json:"graphs_started"`
	GraphsCompleted int64 `json:"graphs_completed"`
	GraphsFailed    int64 `json:"graphs_failed"`
	GraphsCancelled int64 `json:"graphs_cancelled"`

	NodesExecuted  int64 `json:"nodes_executed"`
	NodesSucceeded int64 `json:"nodes_succeeded"`
	NodesFailed    int64 `json:"nodes_failed"`
	NodesTimedOut  int64 `json:"nodes_timed_out"`
	NodesMocked    int64 `json:"nodes_mocked"`
	FallbacksRun   int64 `json:"fallbacks_run"`

	InsertionsStarted  int64 `json:"insertions_started"`
	InsertionsRejected int64 `json:"insertions_rejected"`
	FailsafeTriggers   int64 `json:"failsafe_triggers"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	NodeExecutionCount   int64 `json:"node_execution_count"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) IncrementGraphsStarted() {
	atomic.AddInt64(&m.GraphsStarted, 1)
}

func (m *ExecutionMetrics) IncrementGraphsCompleted() {
	atomic.AddInt64(&m.GraphsCompleted, 1)
}

func (m *ExecutionMetrics) IncrementGraphsFailed() {
	atomic.AddInt64(&m.GraphsFailed, 1)
}

func (m *ExecutionMetrics) IncrementGraphsCancelled() {
	atomic.AddInt64(&m.GraphsCancelled, 1)
}

func (m *ExecutionMetrics) IncrementNodesExecuted() {
	atomic.AddInt64(&m.NodesExecuted, 1)
}

func (m *ExecutionMetrics) IncrementNodesSucceeded() {
	atomic.AddInt64(&m.NodesSucceeded, 1)
}

func (m *ExecutionMetrics) IncrementNodesFailed() {
	atomic.AddInt64(&m.NodesFailed, 1)
}

func (m *ExecutionMetrics) IncrementNodesTimedOut() {
	atomic.AddInt64(&m.NodesTimedOut, 1)
}

func (m *ExecutionMetrics) IncrementNodesMocked() {
	atomic.AddInt64(&m.NodesMocked, 1)
}

func (m *ExecutionMetrics) IncrementFallbacksRun() {
	atomic.AddInt64(&m.FallbacksRun, 1)
}

func (m *ExecutionMetrics) IncrementInsertionsStarted() {
	atomic.AddInt64(&m.InsertionsStarted, 1)
}

func (m *ExecutionMetrics) IncrementInsertionsRejected() {
	atomic.AddInt64(&m.InsertionsRejected, 1)
}

func (m *ExecutionMetrics) IncrementFailsafeTriggers() {
	atomic.AddInt64(&m.FailsafeTriggers, 1)
}

func (m *ExecutionMetrics) AddExecutionTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalExecutionTimeNs, int64(duration))
	atomic.AddInt64(&m.NodeExecutionCount, 1)
}

func (m *ExecutionMetrics) GetSnapshot() ExecutionMetrics {
	return ExecutionMetrics{
		GraphsStarted:        atomic.LoadInt64(&m.GraphsStarted),
		GraphsCompleted:      atomic.LoadInt64(&m.GraphsCompleted),
		GraphsFailed:         atomic.LoadInt64(&m.GraphsFailed),
		GraphsCancelled:      atomic.LoadInt64(&m.GraphsCancelled),
		NodesExecuted:        atomic.LoadInt64(&m.NodesExecuted),
		NodesSucceeded:       atomic.LoadInt64(&m.NodesSucceeded),
		NodesFailed:          atomic.LoadInt64(&m.NodesFailed),
		NodesTimedOut:        atomic.LoadInt64(&m.NodesTimedOut),
		NodesMocked:          atomic.LoadInt64(&m.NodesMocked),
		FallbacksRun:         atomic.LoadInt64(&m.FallbacksRun),
		InsertionsStarted:    atomic.LoadInt64(&m.InsertionsStarted),
		InsertionsRejected:   atomic.LoadInt64(&m.InsertionsRejected),
		FailsafeTriggers:     atomic.LoadInt64(&m.FailsafeTriggers),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		NodeExecutionCount:   atomic.LoadInt64(&m.NodeExecutionCount),
	}
}

func (m *ExecutionMetrics) GetAverageExecutionTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalExecutionTimeNs)
	count := atomic.LoadInt64(&m.NodeExecutionCount)

	if count == 0 {
		return 0
	}

	return time.Duration(totalNs / count)
}
