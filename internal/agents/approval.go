package agents

import (
	"context"
	"encoding/json"

	"github.com/rendis/ensemble/pkg/schema"
)

const approvalInputSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "timeout": {"type": "integer", "minimum": 0},
    "notify": {"type": "array", "items": {"type": "string"}},
    "data": {"type": "object"}
  }
}`

// ApprovalAgent pauses the execution for a human decision. Its output once
// resumed is the approval payload recorded by the engine.
type ApprovalAgent struct{}

func NewApprovalAgent() *ApprovalAgent { return &ApprovalAgent{} }

func (a *ApprovalAgent) Name() string { return "approval" }

func (a *ApprovalAgent) Describe() Descriptor {
	return Descriptor{
		Description: "Suspend the execution until a human approves or rejects it",
		InputSchema: json.RawMessage(approvalInputSchema),
	}
}

func (a *ApprovalAgent) Execute(_ context.Context, ec ExecutionContext) (*Result, error) {
	req := &schema.SuspendRequest{
		Message: stringParam(ec.Input, "message", "Approval required for step "+ec.Step),
		Timeout: int64(intParam(ec.Input, "timeout", 0)),
		Data:    mapParam(ec.Input, "data"),
	}
	if list, ok := ec.Input["notify"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				req.Notify = append(req.Notify, s)
			}
		}
	}
	return &Result{Success: true, Suspend: req}, nil
}
