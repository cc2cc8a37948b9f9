// Package logging carries execution correlation IDs through context.Context
// and injects them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	ensembleKey ctxKey = iota
	executionIDKey
	requestIDKey
	stepKey
)

// correlationAttrs fixes the attribute name and emission order of each key.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{ensembleKey, "ensemble"},
	{executionIDKey, "execution_id"},
	{requestIDKey, "request_id"},
	{stepKey, "step"},
}

func WithEnsemble(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ensembleKey, name)
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithStep sets the current step name. Nested steps overwrite the parent.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

func Ensemble(ctx context.Context) string    { return str(ctx, ensembleKey) }
func ExecutionID(ctx context.Context) string { return str(ctx, executionIDKey) }
func RequestID(ctx context.Context) string   { return str(ctx, requestIDKey) }
func Step(ctx context.Context) string        { return str(ctx, stepKey) }

func str(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlationAttrs {
		if v := str(ctx, c.key); v != "" {
			out = append(out, slog.String(c.name, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs present in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation IDs of
// the record's context, so logger.InfoContext(ctx, ...) needs no extra attrs.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a JSON logger with correlation injection.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
