package schema

import "time"

// Event type constants for the execution event log and notifications.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionSuspended = "execution.suspended"
	EventExecutionResumed   = "execution.resumed"
	EventExecutionRejected  = "execution.rejected"
	EventExecutionExpired   = "execution.expired"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"
	EventStepRetrying  = "step.retrying"
	EventStepCached    = "step.cached"
	EventStepTimedOut  = "step.timed_out"
	EventStepScored    = "step.scored"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionExpired   ExecutionStatus = "expired"
	// ExecutionRejected is only reported by resume; the execution itself ends there.
	ExecutionRejected ExecutionStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionExpired, ExecutionRejected:
		return true
	}
	return false
}

// SuspensionStatus represents the lifecycle state of a suspended execution.
type SuspensionStatus string

const (
	SuspensionSuspended SuspensionStatus = "suspended"
	SuspensionApproved  SuspensionStatus = "approved"
	SuspensionRejected  SuspensionStatus = "rejected"
	SuspensionExpired   SuspensionStatus = "expired"
)

// ExecutionEvent is one lifecycle event, appended to the event log and
// delivered to subscribed notifiers.
type ExecutionEvent struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"executionId"`
	Ensemble    string         `json:"ensemble"`
	Step        string         `json:"step,omitempty"`
	Status      string         `json:"status,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}
