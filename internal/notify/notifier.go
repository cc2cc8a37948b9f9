// Package notify delivers execution events to external collaborators:
// signed webhooks, Slack incoming webhooks and an in-process hub.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Notifier delivers one event. Delivery problems are reported in the
// Result, never as a panic or a returned error.
type Notifier interface {
	Send(ctx context.Context, ev schema.ExecutionEvent) Result
}

// Result is the outcome of one delivery.
type Result struct {
	Success bool   `json:"success"`
	Target  string `json:"target"`
	Error   string `json:"error,omitempty"`
}

func failed(target string, err error) Result {
	return Result{Success: false, Target: target, Error: err.Error()}
}

const defaultSendTimeout = 10 * time.Second

// Factory builds notifiers from ensemble notification configs.
type Factory struct {
	Client *http.Client
	Hub    *MemoryHub
}

// Build returns the notifier for cfg, or a VALIDATION_ERROR for an unknown
// type.
func (f *Factory) Build(cfg schema.NotificationConfig) (Notifier, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	switch cfg.Type {
	case "webhook":
		return &WebhookNotifier{URL: cfg.URL, Secret: cfg.Secret, Headers: cfg.Headers, Client: client}, nil
	case "slack":
		return &SlackNotifier{URL: cfg.URL, Client: client}, nil
	case "hub":
		if f.Hub == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "hub notifications require an event hub")
		}
		return &HubNotifier{Hub: f.Hub}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown notification type %q", cfg.Type)
	}
}
