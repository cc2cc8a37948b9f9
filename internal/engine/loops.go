package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

func (e *executorImpl) items(ctx context.Context, ex *execution, expr, step string, fr frame) ([]any, error) {
	v, err := e.eval.Evaluate(ctx, expr, e.scope(ex, fr))
	if err != nil {
		return nil, stepError(err, step)
	}
	items, ok := toItems(v)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"items %q resolved to %T, not an array", expr, v).WithStep(step)
	}
	return items, nil
}

// runForeach runs the body once per item. Without maxConcurrency the items
// run one after another; breakWhen is checked after each completed item
// with ${results} bound to the outputs so far.
func (e *executorImpl) runForeach(ctx context.Context, ex *execution, st *schema.ForeachStep, fr frame) (any, error) {
	items, err := e.items(ctx, ex, st.Items, st.Name, fr)
	if err != nil {
		return nil, err
	}
	child := fr.with(nil, "foreach")
	if st.MaxConcurrency <= 1 {
		results := make([]any, 0, len(items))
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out, err := e.runList(ctx, ex, st.Steps, child.with(map[string]any{"item": item, "index": i}, ""))
			if err != nil {
				return nil, err
			}
			results = append(results, out)
			stop, err := e.breakWhen(ctx, ex, st, fr, results)
			if err != nil {
				return nil, err
			}
			if stop {
				break
			}
		}
		return results, nil
	}
	return e.foreachConcurrent(ctx, ex, st, child, fr, items)
}

func (e *executorImpl) foreachConcurrent(ctx context.Context, ex *execution, st *schema.ForeachStep, child, fr frame, items []any) (any, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		outs     = make([]any, len(items))
		done     = make([]bool, len(items))
		firstErr error
		stopped  bool
	)
	fail := func(err error) {
		if firstErr == nil && !stopped {
			firstErr = err
		}
		cancel()
	}

	pool := NewWorkerPool(st.MaxConcurrency)
	for i, item := range items {
		mu.Lock()
		halt := stopped || firstErr != nil
		mu.Unlock()
		if halt {
			break
		}
		err := pool.Submit(fctx, func(ictx context.Context) error {
			out, err := e.runList(ictx, ex, st.Steps, child.with(map[string]any{"item": item, "index": i}, ""))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fail(err)
				return err
			}
			outs[i], done[i] = out, true
			if st.BreakWhen != "" && !stopped && firstErr == nil {
				stop, berr := e.breakWhen(ctx, ex, st, fr, collect(outs, done))
				switch {
				case berr != nil:
					fail(berr)
				case stop:
					stopped = true
					cancel()
				}
			}
			return nil
		}, func(perr error) {
			mu.Lock()
			fail(schema.NewError(schema.ErrCodeStepExecution, perr.Error()).WithStep(st.Name))
			mu.Unlock()
		})
		if err != nil {
			break
		}
	}
	pool.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return collect(outs, done), nil
}

// collect returns the completed outputs in item order.
func collect(outs []any, done []bool) []any {
	res := make([]any, 0, len(outs))
	for i, ok := range done {
		if ok {
			res = append(res, outs[i])
		}
	}
	return res
}

func (e *executorImpl) breakWhen(ctx context.Context, ex *execution, st *schema.ForeachStep, fr frame, results []any) (bool, error) {
	if st.BreakWhen == "" {
		return false, nil
	}
	ok, err := e.eval.Condition(ctx, st.BreakWhen, e.scope(ex, fr.with(map[string]any{"results": results}, "")))
	if err != nil {
		return false, stepError(err, st.Name)
	}
	return ok, nil
}

// runWhile re-evaluates the condition before every iteration. A loop whose
// condition is still true after maxIterations body runs fails.
func (e *executorImpl) runWhile(ctx context.Context, ex *execution, st *schema.WhileStep, fr frame) (any, error) {
	limit := st.MaxIterations
	if limit <= 0 {
		limit = e.cfg.DefaultMaxIterations
	}
	child := fr.with(nil, "while")
	results := []any{}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := e.eval.Condition(ctx, st.Condition, e.scope(ex, fr.with(map[string]any{"index": i, "results": results}, "")))
		if err != nil {
			return nil, stepError(err, st.Name)
		}
		if !ok {
			return results, nil
		}
		if i >= limit {
			return nil, schema.NewErrorf(schema.ErrCodeMaxIterations,
				"while %s: condition still true after %d iterations", label(st.Name), limit).
				WithStep(st.Name).
				WithDetails(map[string]any{"maxIterations": limit})
		}
		out, err := e.runList(ctx, ex, st.Steps, child.with(map[string]any{"index": i}, ""))
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
}

// runMapReduce runs the map agent once per item, records the collected
// outputs under the map step's name, then runs reduce with ${results}.
func (e *executorImpl) runMapReduce(ctx context.Context, ex *execution, st *schema.MapReduceStep, fr frame) (any, error) {
	items, err := e.items(ctx, ex, st.Items, st.Name, fr)
	if err != nil {
		return nil, err
	}
	child := fr.with(nil, "map-reduce")

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outs := make([]any, len(items))
	errs := make([]error, len(items))
	start := e.cfg.Now()
	pool := NewWorkerPool(st.MaxConcurrency)
	for i, item := range items {
		err := pool.Submit(mctx, func(ictx context.Context) error {
			o, err := e.executeAgent(ictx, ex, st.Map, child.with(map[string]any{"item": item, "index": i}, ""))
			if err == nil && o.suspend != nil {
				err = e.blockedSuspension(st.Map.Name, "map-reduce")
			}
			if err != nil {
				errs[i] = err
				cancel()
				return err
			}
			if !o.skipped {
				outs[i] = o.result.Output
			}
			return nil
		}, func(perr error) {
			errs[i] = schema.NewError(schema.ErrCodeStepExecution, perr.Error()).WithStep(st.Map.Name)
			cancel()
		})
		if err != nil {
			errs[i] = err
			break
		}
	}
	pool.Wait()
	if err := rootCause(errs); err != nil {
		return nil, err
	}

	ex.record(st.Map.Name, schema.StepResult{
		Success:    true,
		Output:     outs,
		DurationMs: e.elapsed(start).Milliseconds(),
		Attempts:   len(items),
	})
	out, _, err := e.runAgentStep(ctx, ex, st.Reduce, child.with(map[string]any{"results": outs}, ""))
	return out, err
}

// rootCause picks the error that triggered cancellation over the
// cancellation errors it caused in siblings.
func rootCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
