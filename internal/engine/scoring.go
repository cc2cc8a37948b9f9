package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/pkg/schema"
)

// improvementEpsilon absorbs float error when comparing score deltas.
const improvementEpsilon = 1e-9

// scored is an agent result together with the score that accepted it.
type scored struct {
	res   *agents.Result
	score *float64
}

// withScoring runs the agent and, when the step declares scoring, feeds the
// output to the evaluator until it clears the minimum threshold. Below the
// minimum, onFailure decides: continue keeps the output, abort fails, and
// retry (the default) re-runs the agent up to retryLimit more times. With
// requireImprovement a retry that does not beat the previous score by
// minImprovement stops the loop.
func (e *executorImpl) withScoring(ctx context.Context, ex *execution, st *schema.AgentStep, run func(ctx context.Context) (*agents.Result, error)) (scored, error) {
	sc := st.Scoring
	if sc == nil {
		r, err := run(ctx)
		return scored{res: r}, err
	}
	evaluator, err := e.agents.Evaluator(sc.Evaluator)
	if err != nil {
		return scored{}, stepError(err, st.Name)
	}
	policy := sc.OnFailure
	if policy == "" {
		policy = schema.OnFailureRetry
	}
	log := e.obs.Log(ctx)
	metrics := e.obs.Metrics

	var prev *float64
	for retries := 0; ; retries++ {
		r, err := run(ctx)
		if err != nil {
			return scored{}, err
		}
		eval, err := evaluator.Evaluate(ctx, jsonValue(r.Data), sc.Criteria)
		if err != nil {
			metrics.Scored(ctx, "error")
			return scored{}, schema.NewErrorf(schema.ErrCodeScoring,
				"evaluator %s failed", sc.Evaluator).WithStep(st.Name).WithCause(err)
		}
		s := clampScore(eval.Score)
		e.emit(ctx, ex, schema.EventStepScored, st.Name, map[string]any{
			"score":   s,
			"minimum": sc.Thresholds.Minimum,
			"attempt": retries + 1,
		}, false)

		if s >= sc.Thresholds.Minimum {
			metrics.Scored(ctx, "passed")
			if sc.Thresholds.Target > 0 && s < sc.Thresholds.Target {
				log.Debug("score passed minimum but missed target",
					slog.Float64("score", s), slog.Float64("target", sc.Thresholds.Target))
			}
			return scored{res: r, score: &s}, nil
		}

		switch policy {
		case schema.OnFailureContinue:
			metrics.Scored(ctx, "accepted")
			log.Warn("score below minimum, keeping output",
				slog.Float64("score", s), slog.Float64("minimum", sc.Thresholds.Minimum))
			return scored{res: r, score: &s}, nil
		case schema.OnFailureAbort:
			metrics.Scored(ctx, "aborted")
			return scored{}, schema.NewErrorf(schema.ErrCodeScoring,
				"step %s scored %.2f, below minimum %.2f", st.Name, s, sc.Thresholds.Minimum).
				WithStep(st.Name).WithDetails(map[string]any{"score": s})
		}

		if sc.RequireImprovement && prev != nil && (s <= *prev || s-*prev+improvementEpsilon < sc.MinImprovement) {
			metrics.Scored(ctx, "stalled")
			return scored{}, schema.NewErrorf(schema.ErrCodeScoring,
				"step %s score %.2f did not improve on %.2f by at least %.2f", st.Name, s, *prev, sc.MinImprovement).
				WithStep(st.Name).WithDetails(map[string]any{"score": s, "previous": *prev})
		}
		if retries >= sc.RetryLimit {
			metrics.Scored(ctx, "exhausted")
			return scored{}, schema.NewErrorf(schema.ErrCodeScoring,
				"step %s still below minimum %.2f after %d retries (last score %.2f)",
				st.Name, sc.Thresholds.Minimum, retries, s).
				WithStep(st.Name).WithDetails(map[string]any{"score": s})
		}

		metrics.Scored(ctx, "retry")
		log.Info("score below minimum, re-running step",
			slog.Float64("score", s), slog.Int("retry", retries+1))
		last := s
		prev = &last
	}
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
