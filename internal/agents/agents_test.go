package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoAgent(name string) Agent {
	return Func{AgentName: name, Fn: func(_ context.Context, ec ExecutionContext) (*Result, error) {
		return OK(ec.Input), nil
	}}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoAgent("echo")))

	a, err := reg.Agent("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", a.Name())
	assert.True(t, reg.HasAgent("echo"))
	assert.False(t, reg.HasAgent("missing"))
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoAgent("echo")))
	err := reg.Register(echoAgent("echo"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRegistry_EmptyName(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.HasCode(reg.Register(echoAgent("")), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register(nil), schema.ErrCodeValidation))
}

func TestRegistry_Unavailable(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Agent("ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeAgentUnavailable))
	_, err = reg.Evaluator("ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeAgentUnavailable))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))
	require.NoError(t, reg.Register(echoAgent("aaa")))

	list := reg.List()
	require.Len(t, list, 4)
	assert.Equal(t, "aaa", list[0].Name)
	assert.Equal(t, "approval", list[1].Name)
	assert.NotEmpty(t, list[1].Description)
	assert.Equal(t, "http", list[2].Name)
	assert.Equal(t, "transform", list[3].Name)
}

func TestRun_NormalizesFailure(t *testing.T) {
	a := Func{AgentName: "bad", Fn: func(context.Context, ExecutionContext) (*Result, error) {
		return Failed("boom"), nil
	}}
	_, err := Run(context.Background(), a, ExecutionContext{Step: "s1"})
	require.Error(t, err)
	ee := schema.AsEnsembleError(err)
	assert.Equal(t, schema.ErrCodeStepExecution, ee.Code)
	assert.Equal(t, "s1", ee.StepName)
	assert.Contains(t, ee.Message, "boom")
}

func TestRun_WrapsPlainError(t *testing.T) {
	a := Func{AgentName: "bad", Fn: func(context.Context, ExecutionContext) (*Result, error) {
		return nil, errors.New("disk on fire")
	}}
	_, err := Run(context.Background(), a, ExecutionContext{Step: "s1"})
	require.Error(t, err)
	assert.Equal(t, "s1", schema.AsEnsembleError(err).StepName)
}

func TestRun_PassesContextErrors(t *testing.T) {
	a := Func{AgentName: "slow", Fn: func(ctx context.Context, _ ExecutionContext) (*Result, error) {
		return nil, context.Canceled
	}}
	_, err := Run(context.Background(), a, ExecutionContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_NilResultIsSuccess(t *testing.T) {
	a := Func{AgentName: "quiet", Fn: func(context.Context, ExecutionContext) (*Result, error) {
		return nil, nil
	}}
	res, err := Run(context.Background(), a, ExecutionContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTransform_JQDefault(t *testing.T) {
	a := NewTransformAgent()
	res, err := a.Execute(context.Background(), ExecutionContext{
		Input: map[string]any{
			"expression": ".items | map(.price) | add",
			"data":       map[string]any{"items": []any{map[string]any{"price": 2}, map[string]any{"price": 3}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(5), res.Data)
}

func TestTransform_ExprFromConfig(t *testing.T) {
	a := NewTransformAgent()
	res, err := a.Execute(context.Background(), ExecutionContext{
		Input:  map[string]any{"name": "ada"},
		Config: map[string]any{"engine": "expr", "expression": `upper(data.name)`},
	})
	require.NoError(t, err)
	assert.Equal(t, "ADA", res.Data)
}

func TestTransform_Errors(t *testing.T) {
	a := NewTransformAgent()
	_, err := a.Execute(context.Background(), ExecutionContext{Input: map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = a.Execute(context.Background(), ExecutionContext{
		Input: map[string]any{"expression": "x", "engine": "lua"},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestApproval_RequestsSuspension(t *testing.T) {
	res, err := NewApprovalAgent().Execute(context.Background(), ExecutionContext{
		Step: "gate",
		Input: map[string]any{
			"message": "ship it?",
			"timeout": float64(5000),
			"notify":  []any{"ops"},
			"data":    map[string]any{"build": 7},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Suspend)
	assert.Equal(t, "ship it?", res.Suspend.Message)
	assert.Equal(t, int64(5000), res.Suspend.Timeout)
	assert.Equal(t, []string{"ops"}, res.Suspend.Notify)
	assert.Equal(t, map[string]any{"build": 7}, res.Suspend.Data)
}

func TestApproval_DefaultMessage(t *testing.T) {
	res, err := NewApprovalAgent().Execute(context.Background(), ExecutionContext{Step: "gate"})
	require.NoError(t, err)
	assert.Contains(t, res.Suspend.Message, "gate")
	assert.Zero(t, res.Suspend.Timeout)
}

func TestHTTP_JSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["msg"]})
	}))
	defer srv.Close()

	res, err := NewHTTPAgent(HTTPConfig{}).Execute(context.Background(), ExecutionContext{
		Input: map[string]any{
			"url":     srv.URL,
			"method":  "post",
			"headers": map[string]any{"X-Test": "yes"},
			"body":    map[string]any{"msg": "hi"},
		},
	})
	require.NoError(t, err)
	out := res.Data.(map[string]any)
	assert.Equal(t, 200, out["status"])
	assert.Equal(t, map[string]any{"echo": "hi"}, out["body"])
}

func TestHTTP_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAgent(HTTPConfig{})
	res, err := a.Execute(context.Background(), ExecutionContext{Input: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, 502, res.Data.(map[string]any)["status"])

	_, err = a.Execute(context.Background(), ExecutionContext{
		Input: map[string]any{"url": srv.URL, "fail_on_error_status": true},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepExecution))
}

func TestHTTP_InvalidURL(t *testing.T) {
	_, err := NewHTTPAgent(HTTPConfig{}).Execute(context.Background(), ExecutionContext{
		Input: map[string]any{"url": "ftp://nope"},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExprEvaluator(t *testing.T) {
	ev := NewExprEvaluator("length", `len(content) >= criteria.min ? 1.0 : 0.25`)
	got, err := ev.Evaluate(context.Background(), "hello world", map[string]any{"min": 5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Score)

	got, err = ev.Evaluate(context.Background(), "hi", map[string]any{"min": 5})
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.Score)
}

func TestExprEvaluator_CriteriaAsExpressionAndClamp(t *testing.T) {
	ev := NewExprEvaluator("inline", "")
	got, err := ev.Evaluate(context.Background(), 10, "content * 2")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Score)

	_, err = ev.Evaluate(context.Background(), 1, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeScoring))

	_, err = ev.Evaluate(context.Background(), 1, `"text"`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeScoring))
}
