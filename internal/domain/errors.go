package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted     = errors.New("component already started")
	ErrNotStarted         = errors.New("component not started")
	ErrClosed             = errors.New("component closed")
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("operation timeout")
	ErrRetryable          = errors.New("retryable failure")
	ErrInsertionNotActive = errors.New("insertion task not active")
	ErrGraphNotRegistered = errors.New("task graph not registered")
	ErrMainGraphActive    = errors.New("another main task graph is active")
	ErrFailsafeActive     = errors.New("failsafe mode active")
	ErrNotInterruptible   = errors.New("current node cannot be interrupted")
	ErrTaskNotRunning     = errors.New("task is not running")
)

// ValidationError names the offending field of a task-graph definition.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid task graph: %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("invalid task graph: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already has live state", e.TaskID)
}

type UnknownTaskError struct {
	TaskID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %s", e.TaskID)
}

func (e *UnknownTaskError) Unwrap() error {
	return ErrNotFound
}

type UnknownNodeError struct {
	TaskID string
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %s in task %s", e.NodeID, e.TaskID)
}

func (e *UnknownNodeError) Unwrap() error {
	return ErrNotFound
}

type InvalidTransitionError struct {
	TaskID string
	NodeID string
	From   NodeStatus
	To     NodeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for node %s in task %s: %s -> %s", e.NodeID, e.TaskID, e.From, e.To)
}

type NestingRejectedError struct {
	ActiveID    string
	RequestedID string
}

func (e *NestingRejectedError) Error() string {
	return fmt.Sprintf("cannot nest insertion tasks; finish the current one first (active %s, requested %s)",
		e.ActiveID, e.RequestedID)
}

// CollaboratorError wraps a failed, timed-out or panicking node handler.
type CollaboratorError struct {
	TaskID     string
	NodeID     string
	NodeType   NodeType
	Timeout    bool
	Panic      any
	StackTrace string
	Err        error
}

func (e *CollaboratorError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("node %s (%s) timed out: %v", e.NodeID, e.NodeType, e.Err)
	case e.Panic != nil:
		return fmt.Sprintf("node %s (%s) panicked: %v", e.NodeID, e.NodeType, e.Panic)
	default:
		return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.NodeType, e.Err)
	}
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type CorruptedRecoveryStateError struct {
	Key string
	Err error
}

func (e *CorruptedRecoveryStateError) Error() string {
	return fmt.Sprintf("corrupted recovery state at %s: %v", e.Key, e.Err)
}

func (e *CorruptedRecoveryStateError) Unwrap() error {
	return e.Err
}

// StoreError reports a storage adapter failure.
type StoreError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store[%s] %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(backend, op string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		Backend: backend,
		Err:     err,
	}
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsDuplicateTask(err error) bool {
	var target *DuplicateTaskError
	return errors.As(err, &target)
}

func IsUnknownTask(err error) bool {
	var target *UnknownTaskError
	return errors.As(err, &target)
}

func IsUnknownNode(err error) bool {
	var target *UnknownNodeError
	return errors.As(err, &target)
}

func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

func IsNestingRejected(err error) bool {
	var target *NestingRejectedError
	return errors.As(err, &target)
}

func IsCollaboratorError(err error) bool {
	var target *CollaboratorError
	return errors.As(err, &target)
}

func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

func IsCorruptedRecoveryState(err error) bool {
	var target *CorruptedRecoveryStateError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// Retryable marks err so report submitters and uploaders retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}
