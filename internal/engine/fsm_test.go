package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		event    string
	}{
		{"", schema.ExecutionRunning, schema.EventExecutionStarted},
		{schema.ExecutionRunning, schema.ExecutionCompleted, schema.EventExecutionCompleted},
		{schema.ExecutionRunning, schema.ExecutionFailed, schema.EventExecutionFailed},
		{schema.ExecutionRunning, schema.ExecutionSuspended, schema.EventExecutionSuspended},
		{schema.ExecutionSuspended, schema.ExecutionRunning, schema.EventExecutionResumed},
		{schema.ExecutionSuspended, schema.ExecutionRejected, schema.EventExecutionRejected},
		{schema.ExecutionSuspended, schema.ExecutionExpired, schema.EventExecutionExpired},
	}
	fsm := NewExecutionFSM()
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			ev, err := fsm.Transition("run-1", tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.event, ev)
		})
	}
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	fsm := NewExecutionFSM()
	_, err := fsm.Transition("run-1", schema.ExecutionRunning, schema.ExecutionExpired)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "running -> expired")
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewExecutionFSM()
	for _, from := range []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionRejected, schema.ExecutionExpired,
	} {
		_, err := fsm.Transition("run-1", from, schema.ExecutionRunning)
		assert.Error(t, err, "from %s", from)
	}
}

func TestExecutionFSM_AfterHook(t *testing.T) {
	fsm := NewExecutionFSM()
	var seen []string
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, func(id string, from, to schema.ExecutionStatus) {
		seen = append(seen, id+":"+string(from)+"->"+string(to))
	})

	_, err := fsm.Transition("run-1", schema.ExecutionRunning, schema.ExecutionFailed)
	require.NoError(t, err)
	_, err = fsm.Transition("run-2", schema.ExecutionRunning, schema.ExecutionCompleted)
	require.NoError(t, err)

	assert.Equal(t, []string{"run-2:running->completed"}, seen)
}
