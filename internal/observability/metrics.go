package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/rendis/ensemble"

// Metrics holds the engine's OpenTelemetry instruments.
type Metrics struct {
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	cacheSets    metric.Int64Counter
	cacheDeletes metric.Int64Counter
	cacheErrors  metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	retries      metric.Int64Counter
	timeouts     metric.Int64Counter
	scores       metric.Int64Counter
	suspensions  metric.Int64Counter
	executions   metric.Int64Counter
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.cacheHits, "ensemble_cache_hits_total", "Cache lookups that returned a live entry"},
		{&m.cacheMisses, "ensemble_cache_misses_total", "Cache lookups with no live entry"},
		{&m.cacheSets, "ensemble_cache_sets_total", "Cache entries written"},
		{&m.cacheDeletes, "ensemble_cache_deletes_total", "Cache entries deleted"},
		{&m.cacheErrors, "ensemble_cache_errors_total", "Cache store failures degraded to a miss"},
		{&m.steps, "ensemble_steps_total", "Agent steps finished, by status"},
		{&m.retries, "ensemble_step_retries_total", "Retry attempts after a failure"},
		{&m.timeouts, "ensemble_step_timeouts_total", "Steps that exceeded their timeout"},
		{&m.scores, "ensemble_scoring_total", "Scoring evaluations, by outcome"},
		{&m.suspensions, "ensemble_suspensions_total", "Suspension transitions, by status"},
		{&m.executions, "ensemble_executions_total", "Executions finished, by status"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	hist, err := meter.Float64Histogram(
		"ensemble_step_duration_seconds",
		metric.WithDescription("Agent step duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}
	m.stepDuration = hist
	return m, nil
}

// NewPrometheusMetrics wires the instruments to a Prometheus exporter
// registered on the default registry.
func NewPrometheusMetrics() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func agentAttr(agent string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("agent", agent))
}

func (m *Metrics) CacheHit(ctx context.Context, agent string) {
	m.cacheHits.Add(ctx, 1, agentAttr(agent))
}

func (m *Metrics) CacheMiss(ctx context.Context, agent string) {
	m.cacheMisses.Add(ctx, 1, agentAttr(agent))
}

func (m *Metrics) CacheSet(ctx context.Context, agent string) {
	m.cacheSets.Add(ctx, 1, agentAttr(agent))
}

func (m *Metrics) CacheDelete(ctx context.Context, agent string) {
	m.cacheDeletes.Add(ctx, 1, agentAttr(agent))
}

func (m *Metrics) CacheError(ctx context.Context, op string) {
	m.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// StepFinished records one agent step outcome and its duration.
func (m *Metrics) StepFinished(ctx context.Context, agent, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("agent", agent), attribute.String("status", status))
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Retry(ctx context.Context, agent string) {
	m.retries.Add(ctx, 1, agentAttr(agent))
}

func (m *Metrics) Timeout(ctx context.Context, agent string, fallback bool) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent), attribute.Bool("fallback", fallback)))
}

func (m *Metrics) Scored(ctx context.Context, outcome string) {
	m.scores.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Suspension(ctx context.Context, status string) {
	m.suspensions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Execution(ctx context.Context, status string) {
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
