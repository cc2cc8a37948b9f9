package schema

// StepResult is the recorded outcome of one step execution.
type StepResult struct {
	Success    bool     `json:"success"`
	Output     any      `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"errorCode,omitempty"`
	DurationMs int64    `json:"durationMs"`
	Cached     bool     `json:"cached"`
	Attempts   int      `json:"attempts"`
	Fallback   bool     `json:"fallback,omitempty"`
	Score      *float64 `json:"score,omitempty"`
}

// Response is the transport-neutral reply produced by the output resolver.
// Exactly one of Body, RawBody and RedirectLocation is meaningful.
type Response struct {
	Status           int               `json:"status"`
	Headers          map[string]string `json:"headers"`
	Body             any               `json:"body,omitempty"`
	RawBody          *string           `json:"rawBody,omitempty"`
	RedirectLocation string            `json:"redirectLocation,omitempty"`
}
