package domain

import (
	"fmt"
	"strings"
	"time"
)

// Storage keys use "/" as the namespace separator so the file backend can map
// them onto directories.
const (
	TaskStatePrefix      = "task_states/"
	GraphPrefix          = "graphs/"
	PendingReportPrefix  = "reports/pending/"
	RecoveryLogPrefix    = "recovery/logs/"
	FailsafeEventPrefix  = "failsafe/events/"
	FailureRecordKey     = "failsafe/pending_record"
	RecoveryFlagKey      = "failsafe/recovery_flag"
	CacheTaskPrefix      = "task:"
	InsertSnapshotPrefix = "insert:"
	FailsafeSnapshotTag  = "failsafe:"
)

// KeyTimestampLayout is ISO-8601 basic format; it sorts lexically and is filename safe.
const KeyTimestampLayout = "20060102T150405.000000000"

func FormatKeyTimestamp(t time.Time) string {
	return t.UTC().Format(KeyTimestampLayout)
}

// TaskStateKey builds the key for one persisted snapshot of a task's state.
func TaskStateKey(taskID string, at time.Time) string {
	return fmt.Sprintf("%s%s_%s", TaskStatePrefix, taskID, FormatKeyTimestamp(at))
}

// TaskStateKeyPrefix matches every persisted snapshot of taskID.
func TaskStateKeyPrefix(taskID string) string {
	return fmt.Sprintf("%s%s_", TaskStatePrefix, taskID)
}

// TaskIDFromStateKey recovers the task id from a TaskStateKey.
func TaskIDFromStateKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, TaskStatePrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

func GraphKey(graphID string) string {
	return GraphPrefix + graphID
}

func PendingReportKey(taskID string) string {
	return PendingReportPrefix + taskID
}

func RecoveryLogKey(at time.Time) string {
	return RecoveryLogPrefix + FormatKeyTimestamp(at)
}

func FailsafeEventKey(at time.Time) string {
	return FailsafeEventPrefix + FormatKeyTimestamp(at)
}

// CacheTaskKey namespaces a cache entry under its task so cleanup can drop it by prefix.
func CacheTaskKey(taskID, name string) string {
	return fmt.Sprintf("%s%s:%s", CacheTaskPrefix, taskID, name)
}

func CacheTaskKeyPrefix(taskID string) string {
	return fmt.Sprintf("%s%s:", CacheTaskPrefix, taskID)
}

func InsertSnapshotID(insertedID string) string {
	return InsertSnapshotPrefix + insertedID
}

func FailsafeSnapshotID(recordID string) string {
	return FailsafeSnapshotTag + recordID
}
