// Package observability threads logging, metrics and lifecycle events
// through the engine as one explicitly constructed value.
package observability

import (
	"context"
	"log/slog"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// EventSink receives execution lifecycle events.
type EventSink interface {
	Record(ctx context.Context, ev schema.ExecutionEvent) error
}

// Context is passed to every component that logs, counts or emits events.
type Context struct {
	Logger  *slog.Logger
	Metrics *Metrics
	sinks   []EventSink
}

// New builds a Context; nil logger and metrics fall back to no-ops.
func New(logger *slog.Logger, metrics *Metrics, sinks ...EventSink) *Context {
	if logger == nil {
		logger = logging.Discard()
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	return &Context{Logger: logger, Metrics: metrics, sinks: sinks}
}

// Nop is a Context that discards everything.
func Nop() *Context {
	return New(nil, nil)
}

// Log returns the logger enriched with ctx's correlation IDs.
func (o *Context) Log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, o.Logger)
}

// Emit delivers ev to every sink. Sink failures are logged and dropped.
func (o *Context) Emit(ctx context.Context, ev schema.ExecutionEvent) {
	for _, s := range o.sinks {
		if err := s.Record(ctx, ev); err != nil {
			o.Logger.WarnContext(ctx, "event sink failed",
				slog.String("event", ev.Type), slog.String("error", err.Error()))
		}
	}
}

// WithSink returns a copy of o that also emits to sink.
func (o *Context) WithSink(sink EventSink) *Context {
	sinks := append(append([]EventSink{}, o.sinks...), sink)
	return &Context{Logger: o.Logger, Metrics: o.Metrics, sinks: sinks}
}
