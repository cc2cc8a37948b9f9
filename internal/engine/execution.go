package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/state"
	"github.com/rendis/ensemble/pkg/schema"
)

// execution is the mutable context of one run. Step records are written
// from parallel branches, so every field below mu is guarded.
type execution struct {
	id        string
	requestID string
	ensemble  *schema.Ensemble
	input     map[string]any
	state     *state.Manager
	startedAt time.Time

	mu      sync.Mutex
	status  schema.ExecutionStatus
	outputs map[string]schema.StepResult
	skipped []string
	last    any
}

func newExecution(id, requestID string, ens *schema.Ensemble, input map[string]any, startedAt time.Time) *execution {
	var initial map[string]any
	if ens.State != nil {
		initial = ens.State.Initial
	}
	return &execution{
		id:        id,
		requestID: requestID,
		ensemble:  ens,
		input:     input,
		state:     state.NewManager(initial),
		startedAt: startedAt,
		outputs:   make(map[string]schema.StepResult),
	}
}

// restoreExecution rebuilds a suspended run from its continuation.
func restoreExecution(c *Continuation, ens *schema.Ensemble) *execution {
	ex := &execution{
		id:        c.ExecutionID,
		requestID: c.RequestID,
		ensemble:  ens,
		input:     c.Input,
		state:     state.NewManager(c.State),
		startedAt: c.StartedAt,
		status:    schema.ExecutionSuspended,
		outputs:   make(map[string]schema.StepResult, len(c.PreviousOutputs)),
		skipped:   append([]string(nil), c.Skipped...),
	}
	if ex.input == nil {
		ex.input = map[string]any{}
	}
	for name, r := range c.PreviousOutputs {
		ex.outputs[name] = r
	}
	return ex
}

func (ex *execution) record(name string, r schema.StepResult) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if name != "" {
		ex.outputs[name] = r
	}
	ex.last = r.Output
}

func (ex *execution) skip(name string) {
	ex.mu.Lock()
	ex.skipped = append(ex.skipped, name)
	ex.mu.Unlock()
}

func (ex *execution) setStatus(s schema.ExecutionStatus) {
	ex.mu.Lock()
	ex.status = s
	ex.mu.Unlock()
}

func (ex *execution) currentStatus() schema.ExecutionStatus {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status
}

func (ex *execution) lastOutput() any {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.last
}

// previous returns a copy of the recorded step results.
func (ex *execution) previous() map[string]schema.StepResult {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[string]schema.StepResult, len(ex.outputs))
	for k, v := range ex.outputs {
		out[k] = v
	}
	return out
}

func (ex *execution) skippedSteps() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := append([]string(nil), ex.skipped...)
	sort.Strings(out)
	return out
}

func (ex *execution) continuation(step string, remaining schema.StepList, data map[string]any) *Continuation {
	return &Continuation{
		ExecutionID:     ex.id,
		RequestID:       ex.requestID,
		Ensemble:        ex.ensemble.Name,
		Step:            step,
		Remaining:       remaining,
		Input:           ex.input,
		State:           ex.state.Snapshot(),
		PreviousOutputs: ex.previous(),
		Skipped:         ex.skippedSteps(),
		Data:            data,
		StartedAt:       ex.startedAt,
	}
}

// scope builds the expression scope for one evaluation: the fixed roots,
// each recorded step by name, then vars. Step names never shadow a root.
func (ex *execution) scope(env map[string]any, vars map[string]any) expressions.Scope {
	if env == nil {
		env = map[string]any{}
	}
	prev := ex.previous()
	outputs := make(map[string]any, len(prev))
	for name, r := range prev {
		outputs[name] = resultView(r)
	}
	sc := expressions.Scope{
		"input":           ex.input,
		"state":           ex.state.Snapshot(),
		"env":             env,
		"previousOutputs": outputs,
		"execution": map[string]any{
			"id":        ex.id,
			"requestId": ex.requestID,
			"ensemble":  ex.ensemble.Name,
			"status":    string(ex.currentStatus()),
		},
	}
	for name, view := range outputs {
		if _, taken := sc[name]; !taken {
			sc[name] = view
		}
	}
	return sc.With(vars)
}

// resultView is how a step result appears in expressions.
func resultView(r schema.StepResult) map[string]any {
	v := map[string]any{
		"success":    r.Success,
		"output":     r.Output,
		"cached":     r.Cached,
		"attempts":   float64(r.Attempts),
		"durationMs": float64(r.DurationMs),
		"fallback":   r.Fallback,
	}
	if r.Score != nil {
		v["score"] = *r.Score
	}
	return v
}

// jsonValue converts agent output to plain JSON values (maps, slices,
// float64, string, bool, nil), which is what every expression engine and
// the cache expect.
func jsonValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return string(val)
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// toItems coerces the resolved items expression of a foreach or map-reduce
// step to a slice.
func toItems(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return []any{}, true
	case []any:
		return val, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = jsonValue(rv.Index(i).Interface())
	}
	return out, true
}
