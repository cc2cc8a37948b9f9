package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// SuspendedExecution is the durable record of an execution paused for
// human approval.
type SuspendedExecution struct {
	ExecutionID  string                  `json:"executionId"`
	Ensemble     string                  `json:"ensemble"`
	Step         string                  `json:"step"`
	Continuation json.RawMessage         `json:"continuation"`
	Status       schema.SuspensionStatus `json:"status"`
	ApprovalURL  string                  `json:"approvalUrl"`
	Message      string                  `json:"message,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	ExpiresAt    time.Time               `json:"expiresAt"`
	ResolvedAt   *time.Time              `json:"resolvedAt,omitempty"`
	Actor        string                  `json:"actor,omitempty"`
	Comments     string                  `json:"comments,omitempty"`
}

// Resolution carries who resolved a suspension and when.
type Resolution struct {
	Actor    string
	Comments string
	At       time.Time
}

// SuspensionFilter narrows ListSuspensions. Zero fields match everything.
type SuspensionFilter struct {
	Status        schema.SuspensionStatus
	Ensemble      string
	ExpiresBefore time.Time
	Limit         int
}

func (f SuspensionFilter) match(rec *SuspendedExecution) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Ensemble != "" && rec.Ensemble != f.Ensemble {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !rec.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// Event is one row of the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	Ensemble    string          `json:"ensemble"`
	Step        string          `json:"step,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
