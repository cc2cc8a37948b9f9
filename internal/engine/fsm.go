package engine

import (
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// TransitionHook is called after an execution transition succeeds.
type TransitionHook func(executionID string, from, to schema.ExecutionStatus)

type transitionKey struct {
	from, to schema.ExecutionStatus
}

// executionTransitions lists the legal moves. The empty status is a run
// that has not started yet.
var executionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	"":                        {schema.ExecutionRunning},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionSuspended},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionRejected, schema.ExecutionExpired},
}

// transitionEvents maps each legal move to the event it emits.
var transitionEvents = map[transitionKey]string{
	{"", schema.ExecutionRunning}:                         schema.EventExecutionStarted,
	{schema.ExecutionRunning, schema.ExecutionCompleted}:  schema.EventExecutionCompleted,
	{schema.ExecutionRunning, schema.ExecutionFailed}:     schema.EventExecutionFailed,
	{schema.ExecutionRunning, schema.ExecutionSuspended}:  schema.EventExecutionSuspended,
	{schema.ExecutionSuspended, schema.ExecutionRunning}:  schema.EventExecutionResumed,
	{schema.ExecutionSuspended, schema.ExecutionRejected}: schema.EventExecutionRejected,
	{schema.ExecutionSuspended, schema.ExecutionExpired}:  schema.EventExecutionExpired,
}

// ExecutionFSM validates execution status transitions and runs hooks.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after map[transitionKey][]TransitionHook
}

// NewExecutionFSM creates an FSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{after: make(map[transitionKey][]TransitionHook)}
}

// OnAfter registers a hook for one transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition checks from -> to and returns the event type it emits.
func (f *ExecutionFSM) Transition(executionID string, from, to schema.ExecutionStatus) (string, error) {
	if !isValidTransition(from, to) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", statusLabel(from), to).
			WithDetails(map[string]any{"executionId": executionID, "from": string(from), "to": string(to)})
	}
	key := transitionKey{from, to}
	f.mu.RLock()
	hooks := f.after[key]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(executionID, from, to)
	}
	return transitionEvents[key], nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	for _, s := range executionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func statusLabel(s schema.ExecutionStatus) string {
	if s == "" {
		return "pending"
	}
	return string(s)
}
