package engine

import (
	"context"
	"errors"

	"github.com/rendis/ensemble/pkg/schema"
)

// runParallel runs the children concurrently, bounded by maxConcurrency.
// Children share the execution state without ordering: two children that
// set the same field race and the last write wins.
func (e *executorImpl) runParallel(ctx context.Context, ex *execution, st *schema.ParallelStep, fr frame) (any, error) {
	if len(st.Steps) == 0 {
		return []any{}, nil
	}
	child := fr.with(nil, "parallel")
	switch st.WaitFor {
	case schema.WaitAny:
		return e.parallelRace(ctx, ex, st, child, true)
	case schema.WaitFirst:
		return e.parallelRace(ctx, ex, st, child, false)
	default:
		return e.parallelAll(ctx, ex, st, child)
	}
}

// parallelAll waits for every child. Any failure fails the step once all
// children have settled; the failures are joined.
func (e *executorImpl) parallelAll(ctx context.Context, ex *execution, st *schema.ParallelStep, fr frame) (any, error) {
	n := len(st.Steps)
	outs := make([]any, n)
	errs := make([]error, n)
	pool := NewWorkerPool(st.MaxConcurrency)
	for i, s := range st.Steps {
		err := pool.Submit(ctx, func(ctx context.Context) error {
			out, _, err := e.runStep(ctx, ex, s, fr)
			outs[i], errs[i] = out, err
			return err
		}, func(perr error) {
			errs[i] = schema.NewError(schema.ErrCodeStepExecution, perr.Error()).WithStep(s.StepName())
		})
		if err != nil {
			errs[i] = err
		}
	}
	pool.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"parallel %s: %d of %d branches failed", label(st.Name), len(failed), n).
			WithStep(st.Name).WithCause(errors.Join(failed...))
	}
	return outs, nil
}

// parallelRace resolves on the first child to finish. With needSuccess
// (waitFor any) failures are skipped until one child succeeds. Remaining
// children are cancelled cooperatively and not waited for.
func (e *executorImpl) parallelRace(ctx context.Context, ex *execution, st *schema.ParallelStep, fr frame, needSuccess bool) (any, error) {
	type outcome struct {
		out any
		err error
	}
	n := len(st.Steps)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each child reports exactly once; the buffer keeps late children from
	// blocking after the race is decided.
	results := make(chan outcome, n)
	pool := NewWorkerPool(st.MaxConcurrency)
	go func() {
		for _, s := range st.Steps {
			err := pool.Submit(rctx, func(ctx context.Context) error {
				out, _, err := e.runStep(ctx, ex, s, fr)
				results <- outcome{out, err}
				return err
			}, func(perr error) {
				results <- outcome{err: schema.NewError(schema.ErrCodeStepExecution, perr.Error()).WithStep(s.StepName())}
			})
			if err != nil {
				results <- outcome{err: err}
			}
		}
	}()

	var failed []error
	for range n {
		select {
		case r := <-results:
			if r.err == nil || !needSuccess {
				return r.out, r.err
			}
			failed = append(failed, r.err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
		"parallel %s: all %d branches failed", label(st.Name), n).
		WithStep(st.Name).WithCause(errors.Join(failed...))
}

func label(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}
