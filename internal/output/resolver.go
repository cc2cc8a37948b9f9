// Package output maps the final execution context to a transport-neutral
// response using an ensemble's ordered output descriptors.
package output

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain"
)

// Outcome is what the execution produced.
type Outcome struct {
	Success bool
	Output  any
}

// Resolver evaluates output descriptors.
type Resolver struct {
	eval *expressions.Evaluator
}

func NewResolver(eval *expressions.Evaluator) *Resolver {
	return &Resolver{eval: eval}
}

// Resolve picks the first descriptor whose "when" is truthy, or that has no
// "when", and renders it against scope. Without a match, a failed execution
// yields a generic 500 and a successful one yields 200 with its output.
func (r *Resolver) Resolve(ctx context.Context, descriptors []schema.OutputDescriptor, scope expressions.Scope, outcome Outcome) (*schema.Response, error) {
	for i := range descriptors {
		d := &descriptors[i]
		if d.When != "" {
			ok, err := r.eval.Condition(ctx, d.When, scope)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		return r.render(d, scope)
	}
	return Fallback(outcome), nil
}

func (r *Resolver) render(d *schema.OutputDescriptor, scope expressions.Scope) (*schema.Response, error) {
	resp := &schema.Response{Status: d.Status, Headers: map[string]string{}}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	for k, v := range d.Headers {
		s, err := r.eval.Interpolate(v, scope)
		if err != nil {
			return nil, err
		}
		resp.Headers[k] = s
	}

	switch {
	case d.Redirect != nil:
		loc, err := r.eval.Interpolate(d.Redirect.URL, scope)
		if err != nil {
			return nil, err
		}
		resp.Status = redirectStatus(d)
		resp.RedirectLocation = loc
		resp.Headers["Location"] = loc
		return resp, nil

	case d.RawBody != nil:
		s, err := r.eval.Interpolate(*d.RawBody, scope)
		if err != nil {
			return nil, err
		}
		if bodyless(resp.Status) {
			return resp, nil
		}
		resp.RawBody = &s
		setDefaultContentType(resp.Headers, contentTypeText)
		return resp, nil

	case d.Body != nil:
		body, err := r.eval.ResolveValue(d.Body, scope)
		if err != nil {
			return nil, err
		}
		if bodyless(resp.Status) {
			return resp, nil
		}
		resp.Body = body
		setDefaultContentType(resp.Headers, contentTypeJSON)
		return resp, nil
	}

	if !bodyless(resp.Status) {
		resp.Body = map[string]any{}
		setDefaultContentType(resp.Headers, contentTypeJSON)
	}
	return resp, nil
}

// Fallback is the response used when no descriptor matches.
func Fallback(outcome Outcome) *schema.Response {
	headers := map[string]string{"Content-Type": contentTypeJSON}
	if !outcome.Success {
		return &schema.Response{
			Status:  http.StatusInternalServerError,
			Headers: headers,
			Body:    map[string]any{"error": "internal_error", "message": "execution failed"},
		}
	}
	body := outcome.Output
	if body == nil {
		body = map[string]any{}
	}
	return &schema.Response{Status: http.StatusOK, Headers: headers, Body: body}
}

// redirectStatus prefers redirect.status, then a 3xx descriptor status,
// then 302.
func redirectStatus(d *schema.OutputDescriptor) int {
	if d.Redirect.Status != 0 {
		return d.Redirect.Status
	}
	if d.Status >= 300 && d.Status < 400 {
		return d.Status
	}
	return http.StatusFound
}

// bodyless reports statuses that must not carry a body.
func bodyless(status int) bool {
	return status == http.StatusNoContent || status == http.StatusNotModified
}

func setDefaultContentType(headers map[string]string, ct string) {
	for k := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return
		}
	}
	headers["Content-Type"] = ct
}
