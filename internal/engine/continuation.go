package engine

import (
	"encoding/json"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Continuation is everything needed to pick a suspended run back up. It is
// serialized into the suspension record, so an execution survives a restart
// as long as the store does.
type Continuation struct {
	ExecutionID     string                       `json:"executionId"`
	RequestID       string                       `json:"requestId,omitempty"`
	Ensemble        string                       `json:"ensemble"`
	Step            string                       `json:"step"`
	Remaining       schema.StepList              `json:"remaining"`
	Input           map[string]any               `json:"input"`
	State           map[string]any               `json:"state"`
	PreviousOutputs map[string]schema.StepResult `json:"previousOutputs"`
	Skipped         []string                     `json:"skipped,omitempty"`
	Data            map[string]any               `json:"data,omitempty"`
	StartedAt       time.Time                    `json:"startedAt"`
}

func encodeContinuation(c *Continuation) (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode continuation").WithCause(err)
	}
	return raw, nil
}

// DecodeContinuation parses a stored continuation.
func DecodeContinuation(raw json.RawMessage) (*Continuation, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeStore, "suspension record has no continuation")
	}
	var c Continuation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode continuation").WithCause(err)
	}
	return &c, nil
}
