package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCache             = "CACHE_ERROR"
	ErrCodeScoring           = "SCORING_ERROR"
	ErrCodeSuspensionExpired = "SUSPENSION_EXPIRED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeMaxIterations     = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
)

// errorKinds maps codes to the kind names accepted by retryOn lists.
var errorKinds = map[string]string{
	ErrCodeValidation:        "ValidationError",
	ErrCodeExpression:        "ExpressionError",
	ErrCodeStepExecution:     "StepExecutionError",
	ErrCodeTimeout:           "TimeoutError",
	ErrCodeCache:             "CacheError",
	ErrCodeScoring:           "ScoringError",
	ErrCodeSuspensionExpired: "SuspensionExpiredError",
	ErrCodeNotFound:          "NotFoundError",
	ErrCodeConflict:          "ConflictError",
	ErrCodeInvalidTransition: "InvalidTransitionError",
	ErrCodeCycleDetected:     "CycleDetectedError",
	ErrCodeMaxIterations:     "MaxIterationsError",
	ErrCodeStore:             "StoreError",
	ErrCodeCancelled:         "CancelledError",
	ErrCodeAgentUnavailable:  "AgentUnavailableError",
}

// EnsembleError is the structured error type for all engine operations.
type EnsembleError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step,omitempty"`
	Cause    error          `json:"-"`
}

func (e *EnsembleError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EnsembleError) Unwrap() error {
	return e.Cause
}

// Kind returns the error kind name (e.g. "TimeoutError") for the code.
func (e *EnsembleError) Kind() string {
	if k, ok := errorKinds[e.Code]; ok {
		return k
	}
	return e.Code
}

// NewError creates a new EnsembleError.
func NewError(code, message string) *EnsembleError {
	return &EnsembleError{Code: code, Message: message}
}

// NewErrorf creates a new EnsembleError with a formatted message.
func NewErrorf(code, format string, args ...any) *EnsembleError {
	return &EnsembleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *EnsembleError) WithStep(name string) *EnsembleError {
	e.StepName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *EnsembleError) WithCause(err error) *EnsembleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EnsembleError) WithDetails(details map[string]any) *EnsembleError {
	e.Details = details
	return e
}

// ErrorCode classifies any error. Plain errors count as step execution
// failures; context errors map to cancellation and timeout.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ee *EnsembleError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ErrCodeStepExecution
}

// HasCode reports whether err classifies as code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// AsEnsembleError returns err as an *EnsembleError, wrapping plain errors.
func AsEnsembleError(err error) *EnsembleError {
	if err == nil {
		return nil
	}
	var ee *EnsembleError
	if errors.As(err, &ee) {
		return ee
	}
	return NewError(ErrorCode(err), err.Error()).WithCause(err)
}

// MatchesKind reports whether err matches any of names. A name may be a
// code ("TIMEOUT_ERROR") or a kind ("TimeoutError"), compared case-insensitively.
func MatchesKind(err error, names []string) bool {
	code := ErrorCode(err)
	kind := errorKinds[code]
	for _, n := range names {
		if strings.EqualFold(n, code) || strings.EqualFold(n, kind) {
			return true
		}
	}
	return false
}
