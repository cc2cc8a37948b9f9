package schema

import "encoding/json"

// BackoffKind selects the delay curve between retry attempts.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryConfig bounds re-execution of a failing step. Delays are in ms.
type RetryConfig struct {
	Attempts     int         `json:"attempts,omitempty"`
	Backoff      BackoffKind `json:"backoff,omitempty"`
	InitialDelay int64       `json:"initialDelay,omitempty"`
	MaxDelay     int64       `json:"maxDelay,omitempty"`
	RetryOn      []string    `json:"retryOn,omitempty"`
}

// CacheConfig enables result caching for a step. TTL is in seconds.
type CacheConfig struct {
	TTL    int64  `json:"ttl,omitempty"`
	Bypass bool   `json:"bypass,omitempty"`
	Key    string `json:"key,omitempty"` // expression overriding the hashed input
}

// OnTimeoutConfig chooses what happens when a step exceeds its timeout.
// A present Fallback (including JSON null) wins over Error.
type OnTimeoutConfig struct {
	Fallback json.RawMessage `json:"fallback,omitempty"`
	Error    bool            `json:"error,omitempty"`
}

// HasFallback reports whether a fallback value was declared.
func (c *OnTimeoutConfig) HasFallback() bool {
	return c != nil && len(c.Fallback) > 0
}

// Scoring failure policies.
const (
	OnFailureContinue = "continue"
	OnFailureAbort    = "abort"
	OnFailureRetry    = "retry"
)

// ScoringConfig gates a step's output on an evaluator score.
type ScoringConfig struct {
	Evaluator          string            `json:"evaluator"`
	Criteria           any               `json:"criteria,omitempty"`
	Thresholds         ScoringThresholds `json:"thresholds"`
	OnFailure          string            `json:"onFailure,omitempty"`
	RetryLimit         int               `json:"retryLimit,omitempty"`
	RequireImprovement bool              `json:"requireImprovement,omitempty"`
	MinImprovement     float64           `json:"minImprovement,omitempty"`
}

// ScoringThresholds holds score bounds in [0,1].
type ScoringThresholds struct {
	Minimum float64 `json:"minimum"`
	Target  float64 `json:"target,omitempty"`
}

// StateAccess lists the state fields a step may read (Use) and write (Set).
type StateAccess struct {
	Use []string `json:"use,omitempty"`
	Set []string `json:"set,omitempty"`
}
