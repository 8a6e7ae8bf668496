// Package event defines the engine's observation ports: typed events, the
// EventSink for terminal notifications, and the ProgressSink for state
// transitions. Implementations are pluggable; the engine ships a no-op, a
// console renderer, and a JSON-lines log sink.
package event

import (
	"time"

	"github.com/tbancroft/stampede/pkg/models"
)

// Type represents the kind of engine event.
type Type string

const (
	// TypeTaskQueued indicates a task was submitted to the pool.
	TypeTaskQueued Type = "task_queued"
	// TypeTaskStarted indicates an executor reserved the task.
	TypeTaskStarted Type = "task_started"
	// TypeTaskCompleted indicates a task completed with a stored result.
	TypeTaskCompleted Type = "task_completed"
	// TypeTaskFailed indicates a task failed an attempt.
	TypeTaskFailed Type = "task_failed"
	// TypeTaskBlocked indicates a dependency failure blocked the task.
	TypeTaskBlocked Type = "task_blocked"
	// TypeTaskRequeued indicates an in-flight task returned to ready.
	TypeTaskRequeued Type = "task_requeued"
	// TypeTaskRetried indicates a failed task was rescheduled.
	TypeTaskRetried Type = "task_retried"
	// TypeBudgetWarning indicates usage crossed the warning threshold.
	TypeBudgetWarning Type = "budget_warning"
	// TypeBudgetExhausted indicates the budget refused further dispatches.
	TypeBudgetExhausted Type = "budget_exhausted"
	// TypeBreakerOpen indicates an executor's circuit opened.
	TypeBreakerOpen Type = "breaker_open"
	// TypeReviewStarted indicates the post-drain review pass began.
	TypeReviewStarted Type = "review_started"
	// TypeReviewCompleted indicates the review pass finished.
	TypeReviewCompleted Type = "review_completed"
	// TypeRunCompleted indicates the engine finished its run.
	TypeRunCompleted Type = "run_completed"
	// TypeShutdown indicates a clean shutdown finished.
	TypeShutdown Type = "shutdown"
)

// Event is one observation emitted by the engine.
type Event struct {
	// Type is the kind of event.
	Type Type `json:"type"`
	// TaskID is the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// ExecutorID is the related executor slot, if applicable.
	ExecutorID int `json:"executor_id,omitempty"`
	// Message provides additional context.
	Message string `json:"message,omitempty"`
	// ErrorKind carries the failure classification for failure events.
	ErrorKind models.ErrorKind `json:"error_kind,omitempty"`
	// TokensUsed is the invocation's reported usage on task_completed events
	// and the run's cumulative usage on budget_warning events.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives terminal events (completions, failures, budget, shutdown).
type Sink interface {
	Publish(Event)
}

// ProgressSink observes task status transitions and pool activity.
type ProgressSink interface {
	// TaskTransition is called after each status change is persisted.
	TaskTransition(taskID string, from, to models.TaskStatus)
	// PoolState reports current pool occupancy after each change.
	PoolState(running, queued int)
	// BudgetUsage reports usage after each recorded invocation.
	BudgetUsage(used, limit int64)
}

// NopSink is a Sink and ProgressSink that discards everything.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}

// TaskTransition implements ProgressSink.
func (NopSink) TaskTransition(string, models.TaskStatus, models.TaskStatus) {}

// PoolState implements ProgressSink.
func (NopSink) PoolState(int, int) {}

// BudgetUsage implements ProgressSink.
func (NopSink) BudgetUsage(int64, int64) {}
