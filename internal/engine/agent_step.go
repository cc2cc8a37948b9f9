package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/cache"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// agentOutcome is one agent step execution before it is recorded.
type agentOutcome struct {
	result  schema.StepResult
	suspend *schema.SuspendRequest
	skipped bool
}

// runAgentStep executes an agent step and records its result. A suspension
// request turns into a suspendSignal unless an enclosing construct cannot
// be suspended.
func (e *executorImpl) runAgentStep(ctx context.Context, ex *execution, st *schema.AgentStep, fr frame) (any, bool, error) {
	ctx = logging.WithStep(ctx, st.Name)
	o, err := e.executeAgent(ctx, ex, st, fr)
	if err != nil {
		return nil, false, err
	}
	if o.skipped {
		ex.skip(st.Name)
		e.emit(ctx, ex, schema.EventStepSkipped, st.Name, nil, false)
		e.obs.Log(ctx).Debug("step skipped")
		return nil, false, nil
	}
	if o.suspend != nil {
		if fr.blocker != "" {
			return nil, false, e.blockedSuspension(st.Name, fr.blocker)
		}
		return nil, false, &suspendSignal{step: st.Name, request: o.suspend}
	}
	ex.record(st.Name, o.result)
	e.emit(ctx, ex, schema.EventStepCompleted, st.Name, map[string]any{
		"durationMs": o.result.DurationMs,
		"attempts":   o.result.Attempts,
		"cached":     o.result.Cached,
		"fallback":   o.result.Fallback,
	}, false)
	return o.result.Output, true, nil
}

func (e *executorImpl) blockedSuspension(step, construct string) error {
	return schema.NewErrorf(schema.ErrCodeStepExecution,
		"step %s requested suspension inside %s, which cannot be suspended", step, construct).WithStep(step)
}

// executeAgent runs the policy chain of one agent step:
// condition/when, input resolution, cache lookup, then
// timeout(retry(scoring(agent))), state updates and cache store.
func (e *executorImpl) executeAgent(ctx context.Context, ex *execution, st *schema.AgentStep, fr frame) (*agentOutcome, error) {
	log := e.obs.Log(ctx)
	metrics := e.obs.Metrics
	scope := e.scope(ex, fr)

	for _, cond := range []string{st.Condition, st.When} {
		if cond == "" {
			continue
		}
		ok, err := e.eval.Condition(ctx, cond, scope)
		if err != nil {
			return nil, stepError(err, st.Name)
		}
		if !ok {
			return &agentOutcome{skipped: true}, nil
		}
	}

	input, err := e.eval.ResolveMap(st.Input, scope)
	if err != nil {
		return nil, stepError(err, st.Name)
	}
	if input == nil {
		input = map[string]any{}
	}
	cfg, err := e.eval.ResolveMap(st.Config, scope)
	if err != nil {
		return nil, stepError(err, st.Name)
	}
	agent, err := e.agents.Agent(st.Agent)
	if err != nil {
		return nil, stepError(err, st.Name)
	}
	if d, ok := agent.(agents.Describer); ok && e.validator != nil {
		if raw := d.Describe().InputSchema; len(raw) > 0 {
			if err := e.validator.ValidateAgentInput(input, raw); err != nil {
				return nil, stepError(err, st.Name)
			}
		}
	}

	var (
		cacheKey string
		copts    cache.Options
	)
	useCache := st.Cache != nil && e.cache != nil
	if useCache {
		copts = cache.Options{TTL: time.Duration(st.Cache.TTL) * time.Second, Bypass: st.Cache.Bypass}
		var keyInput any = input
		if st.Cache.Key != "" {
			if keyInput, err = e.eval.Resolve(st.Cache.Key, scope); err != nil {
				return nil, stepError(err, st.Name)
			}
		}
		if cacheKey, err = cache.Key(st.Agent, keyInput); err != nil {
			log.Warn("cache key unavailable, running uncached", slog.String("error", err.Error()))
			useCache = false
		} else if v, hit := e.cache.Get(ctx, st.Agent, cacheKey, copts); hit {
			e.emit(ctx, ex, schema.EventStepCached, st.Name, nil, false)
			metrics.StepFinished(ctx, st.Agent, "cached", 0)
			return &agentOutcome{result: schema.StepResult{Success: true, Output: v, Cached: true}}, nil
		}
	}

	view := ex.state.View(st.State)
	ec := agents.ExecutionContext{
		ExecutionID:     ex.id,
		Step:            st.Name,
		Input:           input,
		Config:          cfg,
		State:           view.Read(),
		PreviousOutputs: ex.previous(),
		Capabilities:    e.cfg.Capabilities,
	}

	var runs atomic.Int64
	run := func(ctx context.Context) (*agents.Result, error) {
		runs.Add(1)
		return agents.Run(ctx, agent, ec)
	}
	rcfg := normalizeRetry(st.Retry)
	onRetry := func(attempt int, err error, delay time.Duration) {
		metrics.Retry(ctx, st.Agent)
		log.Warn("step failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
		e.emit(ctx, ex, schema.EventStepRetrying, st.Name, map[string]any{
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		}, false)
	}

	start := e.cfg.Now()
	e.emit(ctx, ex, schema.EventStepStarted, st.Name, map[string]any{"agent": st.Agent}, false)
	res, timedOut, err := withTimeout(ctx, time.Duration(st.Timeout)*time.Millisecond, func(ctx context.Context) (scored, error) {
		v, _, err := withRetry(ctx, rcfg, onRetry, func(ctx context.Context, _ int) (scored, error) {
			return e.withScoring(ctx, ex, st, run)
		})
		return v, err
	})
	dur := e.elapsed(start)
	attempts := int(runs.Load())

	if timedOut {
		hasFallback := st.OnTimeout.HasFallback()
		metrics.Timeout(ctx, st.Agent, hasFallback)
		e.emit(ctx, ex, schema.EventStepTimedOut, st.Name, map[string]any{"timeoutMs": st.Timeout, "fallback": hasFallback}, false)
		if hasFallback {
			log.Warn("step timed out, using fallback", slog.Int64("timeout_ms", st.Timeout))
			metrics.StepFinished(ctx, st.Agent, "fallback", dur)
			return &agentOutcome{result: schema.StepResult{
				Success:    true,
				Output:     decodeFallback(st.OnTimeout.Fallback),
				DurationMs: dur.Milliseconds(),
				Attempts:   attempts,
				Fallback:   true,
			}}, nil
		}
		err = schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s exceeded timeout of %dms", st.Name, st.Timeout).WithStep(st.Name)
	}
	if err != nil {
		metrics.StepFinished(ctx, st.Agent, "failed", dur)
		err = stepError(err, st.Name)
		e.emit(ctx, ex, schema.EventStepFailed, st.Name, map[string]any{
			"error":    err.Error(),
			"code":     schema.ErrorCode(err),
			"attempts": attempts,
		}, false)
		if !errors.Is(err, context.Canceled) {
			log.Warn("step failed", slog.Int("attempts", attempts), slog.String("error", err.Error()))
		}
		return nil, err
	}

	r := res.res
	if len(r.StateUpdates) > 0 {
		if dropped := view.Apply(jsonMap(r.StateUpdates)); len(dropped) > 0 {
			log.Warn("dropped state writes outside the step's set list", slog.Any("fields", dropped))
		}
	}
	out := jsonValue(r.Data)
	suspend := r.Suspend
	if suspend != nil && suspend.Data == nil {
		if m, ok := out.(map[string]any); ok {
			cp := *suspend
			cp.Data = m
			suspend = &cp
		}
	}
	if useCache && suspend == nil {
		e.cache.Set(ctx, st.Agent, cacheKey, out, copts)
	}
	metrics.StepFinished(ctx, st.Agent, "completed", dur)
	return &agentOutcome{
		result: schema.StepResult{
			Success:    true,
			Output:     out,
			DurationMs: dur.Milliseconds(),
			Attempts:   attempts,
			Score:      res.score,
		},
		suspend: suspend,
	}, nil
}

func decodeFallback(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func jsonMap(m map[string]any) map[string]any {
	out, _ := jsonValue(m).(map[string]any)
	return out
}
