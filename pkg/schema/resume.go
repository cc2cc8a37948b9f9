package schema

import "time"

// ResumeRequest is a human decision on a suspended execution.
type ResumeRequest struct {
	ExecutionID string         `json:"executionId"`
	Approved    bool           `json:"approved"`
	Actor       string         `json:"actor,omitempty"`
	Comments    string         `json:"comments,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ResumeResult is returned to the caller of resume.
type ResumeResult struct {
	Status      ExecutionStatus `json:"status"`
	ExecutionID string          `json:"executionId"`
	State       map[string]any  `json:"state,omitempty"`
	Comments    string          `json:"comments,omitempty"`
	Output      any             `json:"output,omitempty"`
	Error       *EnsembleError  `json:"error,omitempty"`
	Response    *Response       `json:"response,omitempty"`
	Suspension  *SuspensionInfo `json:"suspension,omitempty"` // set when the resumed run suspended again
}

// SuspendRequest is returned by an agent that wants to pause the execution
// until a human approves or rejects.
type SuspendRequest struct {
	Message string         `json:"message,omitempty"`
	Timeout int64          `json:"timeout,omitempty"` // ms; 0 uses the engine default
	Notify  []string       `json:"notify,omitempty"`  // notifier names; empty uses the ensemble's
	Data    map[string]any `json:"data,omitempty"`
}

// SuspensionInfo describes a pending approval gate. ExecutionID is the id to
// pass to resume.
type SuspensionInfo struct {
	ExecutionID string    `json:"executionId"`
	ApprovalURL string    `json:"approvalUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	StepName    string    `json:"step"`
	Message     string    `json:"message,omitempty"`
}
