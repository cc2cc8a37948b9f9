// Package agents defines the agent and evaluator contracts consumed by the
// engine, an explicitly constructed registry, and a few built-in agents.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Agent is a unit of work invoked by an agent step.
type Agent interface {
	Name() string
	Execute(ctx context.Context, ec ExecutionContext) (*Result, error)
}

// Describer is implemented by agents that publish a description and an
// input JSON Schema. The engine validates resolved input against the schema.
type Describer interface {
	Describe() Descriptor
}

// Descriptor documents an agent for listing and input validation.
type Descriptor struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ExecutionContext is what an agent sees. State holds only the fields the
// step lists in state.use.
type ExecutionContext struct {
	ExecutionID     string                       `json:"executionId"`
	Step            string                       `json:"step"`
	Input           map[string]any               `json:"input"`
	Config          map[string]any               `json:"config,omitempty"`
	State           map[string]any               `json:"state"`
	PreviousOutputs map[string]schema.StepResult `json:"previousOutputs"`
	Capabilities    map[string]any               `json:"capabilities,omitempty"`
}

// Result is an agent's outcome. A nil error with Success=false is a failure
// described by Error.
type Result struct {
	Success      bool                   `json:"success"`
	Data         any                    `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DurationMs   int64                  `json:"durationMs"`
	Cached       bool                   `json:"cached"`
	StateUpdates map[string]any         `json:"stateUpdates,omitempty"`
	Suspend      *schema.SuspendRequest `json:"suspend,omitempty"`
}

// OK builds a successful result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Failed builds a failed result.
func Failed(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Func adapts a function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, ec ExecutionContext) (*Result, error)
}

func (f Func) Name() string { return f.AgentName }

func (f Func) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	return f.Fn(ctx, ec)
}

// Run executes a and normalizes the outcome: failures become a
// STEP_EXECUTION_ERROR (unless already structured) and DurationMs is filled
// when the agent left it zero.
func Run(ctx context.Context, a Agent, ec ExecutionContext) (*Result, error) {
	start := time.Now()
	res, err := a.Execute(ctx, ec)
	if err != nil {
		// Context errors pass through so callers can tell cancellation apart.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		ee := schema.AsEnsembleError(err)
		if ee.StepName == "" {
			ee.StepName = ec.Step
		}
		return nil, ee
	}
	if res == nil {
		res = &Result{Success: true}
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "agent %s: %s", a.Name(), msg).WithStep(ec.Step)
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

// Evaluator scores content against criteria, for the scoring loop.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, content any, criteria any) (*Evaluation, error)
}

// Evaluation is a score in [0,1] with optional detail.
type Evaluation struct {
	Score     float64            `json:"score"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Details   string             `json:"details,omitempty"`
}
