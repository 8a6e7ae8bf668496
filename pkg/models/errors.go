package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failure for retry and reporting policy.
type ErrorKind string

const (
	// ErrKindTransient covers network, rate-limit, and timeout failures.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindProtocol indicates malformed output from the external tool.
	ErrKindProtocol ErrorKind = "protocol_error"
	// ErrKindValidation indicates the tool claimed files that do not exist.
	ErrKindValidation ErrorKind = "validation_failure"
	// ErrKindDependencyCycle indicates the task is part of a dependency cycle.
	ErrKindDependencyCycle ErrorKind = "dependency_cycle"
	// ErrKindConflict indicates a store CAS conflict; never surfaced to users.
	ErrKindConflict ErrorKind = "conflict"
	// ErrKindBudgetExhausted indicates the usage budget refused the dispatch.
	ErrKindBudgetExhausted ErrorKind = "budget_exhausted"
	// ErrKindCorruptCheckpoint indicates a checkpoint failed its checksum.
	ErrKindCorruptCheckpoint ErrorKind = "corrupt_checkpoint"
	// ErrKindStaleCheckpoint indicates a resume found only an outdated checkpoint.
	ErrKindStaleCheckpoint ErrorKind = "stale_checkpoint"
	// ErrKindConfiguration indicates invalid configuration; the engine refuses to start.
	ErrKindConfiguration ErrorKind = "configuration_error"
	// ErrKindCancelled indicates the run was interrupted.
	ErrKindCancelled ErrorKind = "cancelled"
)

// Retryable returns true for kinds that consume a retry attempt.
// Protocol errors are retryable but bounded separately by the executor.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindProtocol, ErrKindValidation:
		return true
	default:
		return false
	}
}

// TaskError is the structured error record stored with a task.
type TaskError struct {
	// Kind is the classification driving retry policy.
	Kind ErrorKind `json:"kind"`
	// Message is a one-line description for the terminal summary.
	Message string `json:"message"`
	// Detail is the full error payload kept for post-mortem.
	Detail string `json:"detail,omitempty"`
	// Attempt is the attempt number that produced this error (1-based).
	Attempt int `json:"attempt,omitempty"`
	// OccurredAt is when the failure happened.
	OccurredAt time.Time `json:"occurred_at"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError builds a task error record with the current time.
func NewTaskError(kind ErrorKind, attempt int, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{
		Kind:       kind,
		Message:    firstLine(msg),
		Detail:     msg,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
}

// firstLine truncates a message to its first line for summary display.
func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
