package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// frame carries the loop-scoped variables of the enclosing constructs.
// blocker names the innermost construct whose progress cannot be captured
// in a continuation; a suspension request under it fails the step.
type frame struct {
	vars    map[string]any
	blocker string
}

func (f frame) with(vars map[string]any, blocker string) frame {
	merged := make(map[string]any, len(f.vars)+len(vars))
	for k, v := range f.vars {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	if blocker == "" {
		blocker = f.blocker
	}
	return frame{vars: merged, blocker: blocker}
}

// suspendSignal unwinds the flow when an agent asks to suspend. Each
// enclosing list appends its unrun steps, so by the time it reaches the
// top pending is the complete remainder of the flow.
type suspendSignal struct {
	step    string
	request *schema.SuspendRequest
	pending schema.StepList
}

func (s *suspendSignal) Error() string {
	return "execution suspended at step " + s.step
}

// runList runs steps in order and returns the output of the last step that
// ran. Skipped steps do not replace it.
func (e *executorImpl) runList(ctx context.Context, ex *execution, steps schema.StepList, fr frame) (any, error) {
	var last any
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		out, ran, err := e.runStep(ctx, ex, s, fr)
		if err != nil {
			var sig *suspendSignal
			if errors.As(err, &sig) {
				rest := make(schema.StepList, 0, len(sig.pending)+len(steps)-i-1)
				rest = append(rest, sig.pending...)
				sig.pending = append(rest, steps[i+1:]...)
			}
			return last, err
		}
		if ran {
			last = out
		}
	}
	return last, nil
}

// runStep dispatches one step. Named control steps record their output
// like agent steps do.
func (e *executorImpl) runStep(ctx context.Context, ex *execution, s schema.FlowStep, fr frame) (any, bool, error) {
	start := e.cfg.Now()
	var (
		out any
		err error
	)
	switch st := s.(type) {
	case *schema.AgentStep:
		return e.runAgentStep(ctx, ex, st, fr)
	case *schema.ParallelStep:
		out, err = e.runParallel(ctx, ex, st, fr)
	case *schema.BranchStep:
		out, err = e.runBranch(ctx, ex, st, fr)
	case *schema.ForeachStep:
		out, err = e.runForeach(ctx, ex, st, fr)
	case *schema.TryStep:
		out, err = e.runTry(ctx, ex, st, fr)
	case *schema.SwitchStep:
		out, err = e.runSwitch(ctx, ex, st, fr)
	case *schema.WhileStep:
		out, err = e.runWhile(ctx, ex, st, fr)
	case *schema.MapReduceStep:
		out, err = e.runMapReduce(ctx, ex, st, fr)
	default:
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported step type %T", s)
	}
	if err != nil {
		return nil, false, err
	}
	if name := s.StepName(); name != "" {
		ex.record(name, schema.StepResult{
			Success:    true,
			Output:     out,
			DurationMs: e.elapsed(start).Milliseconds(),
			Attempts:   1,
		})
	}
	return out, true, nil
}

func (e *executorImpl) runBranch(ctx context.Context, ex *execution, st *schema.BranchStep, fr frame) (any, error) {
	ok, err := e.eval.Condition(ctx, st.Condition, e.scope(ex, fr))
	if err != nil {
		return nil, stepError(err, st.Name)
	}
	if ok {
		return e.runList(ctx, ex, st.Then, fr)
	}
	return e.runList(ctx, ex, st.Else, fr)
}

func (e *executorImpl) runSwitch(ctx context.Context, ex *execution, st *schema.SwitchStep, fr frame) (any, error) {
	v, err := e.eval.Evaluate(ctx, st.Value, e.scope(ex, fr))
	if err != nil {
		return nil, stepError(err, st.Name)
	}
	steps, ok := st.Cases[expressions.Stringify(v)]
	if !ok {
		steps = st.Default
	}
	return e.runList(ctx, ex, steps, fr)
}

// runTry runs the body, then catch on failure with ${error} bound, then
// finally regardless. A finally failure replaces any earlier outcome.
// Cancellation is never caught.
func (e *executorImpl) runTry(ctx context.Context, ex *execution, st *schema.TryStep, fr frame) (any, error) {
	out, err := e.runList(ctx, ex, st.Steps, fr)

	var sig *suspendSignal
	if errors.As(err, &sig) {
		if len(st.Catch) > 0 || len(st.Finally) > 0 {
			sig.pending = schema.StepList{&schema.TryStep{
				Name:    st.Name,
				Steps:   sig.pending,
				Catch:   st.Catch,
				Finally: st.Finally,
			}}
		}
		return nil, err
	}

	if err != nil && len(st.Catch) > 0 && !isCancellation(err) {
		ee := schema.AsEnsembleError(err)
		e.obs.Log(ctx).Warn("try body failed, running catch",
			"step", ee.StepName, "code", ee.Code, "error", ee.Message)
		out, err = e.runList(ctx, ex, st.Catch, fr.with(map[string]any{"error": errorView(ee)}, "try catch"))
	}

	if len(st.Finally) > 0 {
		// finally runs even when the run was cancelled.
		fctx := ctx
		if ctx.Err() != nil {
			fctx = context.WithoutCancel(ctx)
		}
		if _, ferr := e.runList(fctx, ex, st.Finally, fr.with(nil, "try finally")); ferr != nil {
			return nil, ferr
		}
	}
	return out, err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeCancelled)
}

// stepError attributes err to step when it does not name one yet.
func stepError(err error, step string) error {
	if err == nil || step == "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	ee := schema.AsEnsembleError(err)
	if ee.StepName == "" {
		ee.StepName = step
	}
	return ee
}

// elapsed measures against the engine clock.
func (e *executorImpl) elapsed(start time.Time) time.Duration {
	return e.cfg.Now().Sub(start)
}
