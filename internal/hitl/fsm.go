package hitl

import (
	"slices"

	"github.com/rendis/ensemble/pkg/schema"
)

// transitions lists the allowed moves of a suspension record. Every
// resolved status is terminal.
var transitions = map[schema.SuspensionStatus][]schema.SuspensionStatus{
	schema.SuspensionSuspended: {
		schema.SuspensionApproved,
		schema.SuspensionRejected,
		schema.SuspensionExpired,
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.SuspensionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Transition returns INVALID_TRANSITION for a disallowed move, and CONFLICT
// when the record is already resolved.
func Transition(id string, from, to schema.SuspensionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if from != schema.SuspensionSuspended {
		return schema.NewErrorf(schema.ErrCodeConflict, "suspension %q already %s", id, from)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid suspension transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
}
