package schema

import "encoding/json"

// Ensemble is the immutable workflow definition. It is loaded once and shared
// by every execution that runs it.
type Ensemble struct {
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Flow          StepList             `json:"flow"`
	State         *StateConfig         `json:"state,omitempty"`
	Output        []OutputDescriptor   `json:"output,omitempty"`
	Notifications []NotificationConfig `json:"notifications,omitempty"`
	InputSchema   json.RawMessage      `json:"inputSchema,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// StateConfig declares the ensemble-scoped mutable state.
type StateConfig struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Initial map[string]any  `json:"initial,omitempty"`
}

// OutputDescriptor maps the final context to a response. At most one of
// Body, RawBody and Redirect is set.
type OutputDescriptor struct {
	When     string            `json:"when,omitempty"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body,omitempty"`
	RawBody  *string           `json:"rawBody,omitempty"`
	Redirect *RedirectConfig   `json:"redirect,omitempty"`
}

// RedirectConfig is a redirect response; Status defaults to 302.
type RedirectConfig struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
}

// NotificationConfig subscribes a notifier to execution events.
type NotificationConfig struct {
	Name    string            `json:"name,omitempty"`
	Type    string            `json:"type"` // webhook | slack | hub
	URL     string            `json:"url,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	Events  []string          `json:"events,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Subscribed reports whether the notification wants event. An empty event
// list subscribes to everything.
func (n NotificationConfig) Subscribed(event string) bool {
	if len(n.Events) == 0 {
		return true
	}
	for _, e := range n.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// ParseEnsemble decodes an ensemble definition from JSON.
func ParseEnsemble(data []byte) (*Ensemble, error) {
	var e Ensemble
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid ensemble definition").WithCause(err)
	}
	return &e, nil
}
