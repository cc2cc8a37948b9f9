package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// HTTPConfig configures the http agent.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string"},
    "headers": {"type": "object"},
    "body": {},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

// HTTPAgent performs one HTTP request. JSON bodies are encoded and decoded
// automatically.
type HTTPAgent struct {
	config HTTPConfig
}

func NewHTTPAgent(cfg HTTPConfig) *HTTPAgent {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPAgent{config: cfg}
}

func (a *HTTPAgent) Name() string { return "http" }

func (a *HTTPAgent) Describe() Descriptor {
	return Descriptor{
		Description: "Perform an HTTP request and return status, headers and body",
		InputSchema: json.RawMessage(httpInputSchema),
	}
}

func (a *HTTPAgent) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	params := ec.Input
	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL).WithStep(ec.Step)
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "http: marshal body").WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "http: create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "http: read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(contentType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    parsed,
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http: server returned %d", resp.StatusCode).
			WithDetails(out)
	}
	return &Result{Success: true, Data: out, DurationMs: time.Since(start).Milliseconds()}, nil
}
