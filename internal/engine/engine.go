// Package engine runs ensembles: it interprets the flow tree, wraps agent
// steps with cache, timeout, retry and scoring policies, and turns agent
// suspension requests into durable continuations.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/cache"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/hitl"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/observability"
	"github.com/rendis/ensemble/internal/output"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Executor is the ensemble execution coordinator.
type Executor interface {
	// Execute runs a registered ensemble by name.
	Execute(ctx context.Context, ensemble string, input map[string]any) (*Result, error)

	// Run validates and executes a definition directly. It does not need to
	// be registered, but a run that suspends can only be resumed once it is.
	Run(ctx context.Context, e *schema.Ensemble, input map[string]any) (*Result, error)

	// Resume applies a human decision to a suspended execution and, when
	// approved, continues the flow after the suspending step.
	Resume(ctx context.Context, req schema.ResumeRequest) (*schema.ResumeResult, error)

	// ExpireDue expires every suspension past its deadline and returns how
	// many it expired.
	ExpireDue(ctx context.Context) (int, error)

	// Ensembles returns the registry used to look up ensembles by name.
	Ensembles() *Registry
}

// Result is the outcome of Execute and Run.
type Result struct {
	ExecutionID string                       `json:"executionId"`
	Ensemble    string                       `json:"ensemble"`
	Status      schema.ExecutionStatus       `json:"status"`
	Output      any                          `json:"output,omitempty"`
	State       map[string]any               `json:"state,omitempty"`
	Steps       map[string]schema.StepResult `json:"steps,omitempty"`
	Skipped     []string                     `json:"skipped,omitempty"`
	Error       *schema.EnsembleError        `json:"error,omitempty"`
	Suspension  *schema.SuspensionInfo       `json:"suspension,omitempty"`
	Response    *schema.Response             `json:"response,omitempty"`
	StartedAt   time.Time                    `json:"startedAt"`
	CompletedAt *time.Time                   `json:"completedAt,omitempty"`
}

// DefaultMaxIterations caps a while step that sets no maxIterations.
const DefaultMaxIterations = 1000

// Config holds engine-wide settings.
type Config struct {
	DefaultMaxIterations int            // while cap when a step sets none
	Env                  map[string]any // exposed to expressions as ${env.*}
	Capabilities         map[string]any // passed to every agent
	Now                  func() time.Time
	NewID                func() string
}

// Deps are the collaborators of the engine. Agents is required; a nil
// Cache disables caching and a nil HITL makes suspension requests fail.
type Deps struct {
	Agents     *agents.Registry
	Ensembles  *Registry
	Evaluator  *expressions.Evaluator
	Validator  *validation.Validator
	Cache      *cache.Cache
	HITL       *hitl.Controller
	Dispatcher *notify.Dispatcher
	Obs        *observability.Context
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	agents     *agents.Registry
	ensembles  *Registry
	eval       *expressions.Evaluator
	validator  *validation.Validator
	cache      *cache.Cache
	hitl       *hitl.Controller
	dispatcher *notify.Dispatcher
	obs        *observability.Context
	fsm        *ExecutionFSM
	outputs    *output.Resolver
	cfg        Config
}

// NewExecutor wires an Executor from deps.
func NewExecutor(deps Deps, cfg Config) (Executor, error) {
	if deps.Agents == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an agent registry")
	}
	if deps.Obs == nil {
		deps.Obs = observability.Nop()
	}
	if deps.Evaluator == nil {
		engines, err := expressions.DefaultEngines()
		if err != nil {
			return nil, err
		}
		deps.Evaluator = expressions.NewEvaluator(engines...)
	}
	if deps.Ensembles == nil {
		deps.Ensembles = NewRegistry(deps.Validator)
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = DefaultMaxIterations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	e := &executorImpl{
		agents:     deps.Agents,
		ensembles:  deps.Ensembles,
		eval:       deps.Evaluator,
		validator:  deps.Validator,
		cache:      deps.Cache,
		hitl:       deps.HITL,
		dispatcher: deps.Dispatcher,
		obs:        deps.Obs,
		fsm:        NewExecutionFSM(),
		outputs:    output.NewResolver(deps.Evaluator),
		cfg:        cfg,
	}
	for _, to := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionSuspended} {
		e.fsm.OnAfter(schema.ExecutionRunning, to, e.countExecution)
	}
	for _, to := range []schema.ExecutionStatus{schema.ExecutionRejected, schema.ExecutionExpired} {
		e.fsm.OnAfter(schema.ExecutionSuspended, to, e.countExecution)
	}
	return e, nil
}

func (e *executorImpl) countExecution(_ string, _, to schema.ExecutionStatus) {
	e.obs.Metrics.Execution(context.Background(), string(to))
}

func (e *executorImpl) Ensembles() *Registry { return e.ensembles }

func (e *executorImpl) Execute(ctx context.Context, name string, input map[string]any) (*Result, error) {
	ens, err := e.ensembles.Get(name)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, ens, input)
}

func (e *executorImpl) Run(ctx context.Context, ens *schema.Ensemble, input map[string]any) (*Result, error) {
	if ens == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "ensemble is nil")
	}
	if input == nil {
		input = map[string]any{}
	}
	input, _ = jsonValue(input).(map[string]any)
	if e.validator != nil {
		if err := e.validator.ValidateEnsemble(ens); err != nil {
			return nil, err
		}
		if err := e.validator.ValidateInput(ens, input); err != nil {
			return nil, err
		}
	}

	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = e.cfg.NewID()
	}
	ex := newExecution(e.cfg.NewID(), requestID, ens, input, e.cfg.Now().UTC())
	ctx = e.correlate(ctx, ex)
	if err := e.transition(ctx, ex, schema.ExecutionRunning, "", nil, true); err != nil {
		return nil, err
	}
	e.obs.Log(ctx).Info("execution started", slog.Int("steps", len(ens.Flow)))

	out, runErr := e.runList(ctx, ex, ens.Flow, frame{})
	return e.finish(ctx, ex, out, runErr), nil
}

func (e *executorImpl) Resume(ctx context.Context, req schema.ResumeRequest) (*schema.ResumeResult, error) {
	if e.hitl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume requires a suspension store")
	}
	if req.ExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "executionId is required")
	}
	// Resolve only once the run is known to be resumable; on error the
	// suspension stays pending.
	pending, err := e.hitl.Get(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	cont, err := DecodeContinuation(pending.Continuation)
	if err != nil {
		return nil, err
	}
	ens, err := e.ensembles.Get(cont.Ensemble)
	if err != nil {
		return nil, err
	}
	dec, err := e.hitl.Resume(ctx, req)
	if err != nil {
		return nil, err
	}
	ex := restoreExecution(cont, ens)
	ctx = e.correlate(ctx, ex)

	switch dec.Status {
	case schema.SuspensionExpired:
		if err := e.transition(ctx, ex, schema.ExecutionExpired, cont.Step, map[string]any{"resumeId": req.ExecutionID}, true); err != nil {
			return nil, err
		}
		return &schema.ResumeResult{
			Status:      schema.ExecutionExpired,
			ExecutionID: req.ExecutionID,
			State:       ex.state.Snapshot(),
			Error: schema.NewErrorf(schema.ErrCodeSuspensionExpired,
				"suspension %s expired at %s", req.ExecutionID, dec.Record.ExpiresAt.Format(time.RFC3339)).WithStep(cont.Step),
		}, nil
	case schema.SuspensionRejected:
		data := map[string]any{"resumeId": req.ExecutionID, "actor": req.Actor, "comments": req.Comments}
		if err := e.transition(ctx, ex, schema.ExecutionRejected, cont.Step, data, true); err != nil {
			return nil, err
		}
		return &schema.ResumeResult{
			Status:      schema.ExecutionRejected,
			ExecutionID: req.ExecutionID,
			State:       ex.state.Snapshot(),
			Comments:    req.Comments,
		}, nil
	}

	payload := req.Data
	if payload == nil {
		payload = cont.Data
	}
	ex.record(cont.Step, schema.StepResult{
		Success:  true,
		Attempts: 1,
		Output: jsonValue(map[string]any{
			"approved": true,
			"actor":    req.Actor,
			"comments": req.Comments,
			"data":     payload,
		}),
	})
	data := map[string]any{"resumeId": req.ExecutionID, "actor": req.Actor, "comments": req.Comments}
	if err := e.transition(ctx, ex, schema.ExecutionRunning, cont.Step, data, true); err != nil {
		return nil, err
	}
	e.obs.Log(ctx).Info("execution resumed",
		slog.String("resume_id", req.ExecutionID), slog.Int("remaining", len(cont.Remaining)))

	out, runErr := e.runList(ctx, ex, cont.Remaining, frame{})
	res := e.finish(ctx, ex, out, runErr)
	return &schema.ResumeResult{
		Status:      res.Status,
		ExecutionID: req.ExecutionID,
		State:       res.State,
		Comments:    req.Comments,
		Output:      res.Output,
		Error:       res.Error,
		Response:    res.Response,
		Suspension:  res.Suspension,
	}, nil
}

func (e *executorImpl) ExpireDue(ctx context.Context) (int, error) {
	if e.hitl == nil {
		return 0, nil
	}
	expired, err := e.hitl.ExpireDue(ctx)
	for _, rec := range expired {
		cont, derr := DecodeContinuation(rec.Continuation)
		if derr != nil {
			e.obs.Log(ctx).Warn("expired suspension has unreadable continuation",
				slog.String("resume_id", rec.ExecutionID), slog.String("error", derr.Error()))
			continue
		}
		ens, gerr := e.ensembles.Get(cont.Ensemble)
		if gerr != nil {
			ens = &schema.Ensemble{Name: cont.Ensemble}
		}
		ex := restoreExecution(cont, ens)
		rctx := e.correlate(ctx, ex)
		if terr := e.transition(rctx, ex, schema.ExecutionExpired, cont.Step, map[string]any{"resumeId": rec.ExecutionID}, true); terr != nil {
			e.obs.Log(rctx).Warn("expire transition failed", slog.String("error", terr.Error()))
		}
	}
	return len(expired), err
}

// finish settles a run: a suspension signal becomes a durable suspension,
// anything else completes or fails the execution. The output descriptors
// are resolved in every case except suspension.
func (e *executorImpl) finish(ctx context.Context, ex *execution, out any, runErr error) *Result {
	var sig *suspendSignal
	if errors.As(runErr, &sig) {
		info, err := e.suspend(ctx, ex, sig)
		if err == nil {
			data := map[string]any{"resumeId": info.ExecutionID, "approvalUrl": info.ApprovalURL}
			if terr := e.transition(ctx, ex, schema.ExecutionSuspended, sig.step, data, false); terr != nil {
				runErr = terr
			} else {
				e.obs.Log(ctx).Info("execution suspended",
					slog.String("step", sig.step), slog.String("resume_id", info.ExecutionID))
				res := e.result(ex, nil, nil)
				res.Suspension = info
				res.Response = &schema.Response{
					Status:  202,
					Headers: map[string]string{"Content-Type": "application/json"},
					Body:    info,
				}
				return res
			}
		} else {
			runErr = err
		}
	}

	if out == nil {
		out = ex.lastOutput()
	}
	var ee *schema.EnsembleError
	if runErr != nil {
		ee = schema.AsEnsembleError(runErr)
		data := map[string]any{"error": ee.Message, "code": ee.Code}
		if err := e.transition(ctx, ex, schema.ExecutionFailed, ee.StepName, data, true); err != nil {
			e.obs.Log(ctx).Warn("failed transition rejected", slog.String("error", err.Error()))
		}
		e.obs.Log(ctx).Error("execution failed",
			slog.String("code", ee.Code), slog.String("step", ee.StepName), slog.String("error", ee.Error()))
	} else {
		if e.validator != nil {
			if err := e.validator.ValidateState(ex.ensemble, ex.state.Snapshot()); err != nil {
				e.obs.Log(ctx).Warn("final state does not match state schema", slog.String("error", err.Error()))
			}
		}
		if err := e.transition(ctx, ex, schema.ExecutionCompleted, "", nil, true); err != nil {
			e.obs.Log(ctx).Warn("completed transition rejected", slog.String("error", err.Error()))
		}
		e.obs.Log(ctx).Info("execution completed",
			slog.Int64("duration_ms", e.cfg.Now().Sub(ex.startedAt).Milliseconds()))
	}

	res := e.result(ex, out, ee)
	res.Response = e.respond(ctx, ex, out, ee)
	return res
}

func (e *executorImpl) suspend(ctx context.Context, ex *execution, sig *suspendSignal) (*schema.SuspensionInfo, error) {
	if e.hitl == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"step %s requested suspension but no suspension store is configured", sig.step).WithStep(sig.step)
	}
	raw, err := encodeContinuation(ex.continuation(sig.step, sig.pending, sig.request.Data))
	if err != nil {
		return nil, err
	}
	return e.hitl.Suspend(ctx, hitl.SuspendParams{
		RunID:         ex.id,
		Ensemble:      ex.ensemble.Name,
		Step:          sig.step,
		Continuation:  raw,
		Request:       sig.request,
		Notifications: ex.ensemble.Notifications,
	})
}

// respond resolves the output descriptors. Keys of a map output are also
// exposed at the top level of the scope, without shadowing the fixed roots.
func (e *executorImpl) respond(ctx context.Context, ex *execution, out any, ee *schema.EnsembleError) *schema.Response {
	vars := map[string]any{"output": out, "error": nil}
	if ee != nil {
		vars["error"] = errorView(ee)
	}
	scope := ex.scope(e.cfg.Env, vars)
	if m, ok := out.(map[string]any); ok {
		for k, v := range m {
			if _, taken := scope[k]; !taken {
				scope[k] = v
			}
		}
	}
	outcome := output.Outcome{Success: ee == nil, Output: out}
	resp, err := e.outputs.Resolve(ctx, ex.ensemble.Output, scope, outcome)
	if err != nil {
		e.obs.Log(ctx).Warn("output resolution failed", slog.String("error", err.Error()))
		return output.Fallback(output.Outcome{Success: false})
	}
	return resp
}

func (e *executorImpl) result(ex *execution, out any, ee *schema.EnsembleError) *Result {
	res := &Result{
		ExecutionID: ex.id,
		Ensemble:    ex.ensemble.Name,
		Status:      ex.currentStatus(),
		Output:      out,
		State:       ex.state.Snapshot(),
		Steps:       ex.previous(),
		Skipped:     ex.skippedSteps(),
		Error:       ee,
		StartedAt:   ex.startedAt,
	}
	if res.Status.Terminal() {
		done := e.cfg.Now().UTC()
		res.CompletedAt = &done
	}
	return res
}

// transition moves ex to status `to` and emits the matching event. Only
// execution events are forwarded to the ensemble's notifiers.
func (e *executorImpl) transition(ctx context.Context, ex *execution, to schema.ExecutionStatus, step string, data map[string]any, notifyEvent bool) error {
	evType, err := e.fsm.Transition(ex.id, ex.currentStatus(), to)
	if err != nil {
		return err
	}
	ex.setStatus(to)
	e.emit(ctx, ex, evType, step, data, notifyEvent)
	return nil
}

func (e *executorImpl) emit(ctx context.Context, ex *execution, evType, step string, data map[string]any, notifyEvent bool) {
	ev := schema.ExecutionEvent{
		Type:        evType,
		ExecutionID: ex.id,
		Ensemble:    ex.ensemble.Name,
		Step:        step,
		Status:      string(ex.currentStatus()),
		Timestamp:   e.cfg.Now().UTC(),
		Data:        data,
	}
	e.obs.Emit(ctx, ev)
	if notifyEvent && e.dispatcher != nil && len(ex.ensemble.Notifications) > 0 {
		e.dispatcher.Dispatch(ctx, ex.ensemble.Notifications, ev)
	}
}

func (e *executorImpl) correlate(ctx context.Context, ex *execution) context.Context {
	ctx = logging.WithExecutionID(ctx, ex.id)
	ctx = logging.WithRequestID(ctx, ex.requestID)
	return logging.WithEnsemble(ctx, ex.ensemble.Name)
}

func (e *executorImpl) scope(ex *execution, fr frame) expressions.Scope {
	return ex.scope(e.cfg.Env, fr.vars)
}

// errorView is how a failure appears in expressions (${error.message}).
func errorView(ee *schema.EnsembleError) map[string]any {
	return map[string]any{
		"message": ee.Message,
		"code":    ee.Code,
		"kind":    ee.Kind(),
		"step":    ee.StepName,
	}
}
