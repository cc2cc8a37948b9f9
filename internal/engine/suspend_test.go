package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/pkg/schema"
)

const deployEnsemble = `{"name":"deploy","flow":[
	{"type":"agent","name":"build","agent":"echo","input":{"artifact":"app-${input.version}"}},
	{"type":"agent","name":"gate","agent":"approval","input":{"message":"Ship ${build.output.artifact}?","timeout":1000}},
	{"type":"agent","name":"ship","agent":"echo","input":{
		"approved":"${gate.output.approved}",
		"by":"${gate.output.actor}",
		"artifact":"${build.output.artifact}"}}
]}`

func TestSuspend_ReturnsResumeToken(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)

	res, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1.2"})
	require.NoError(t, err)

	require.Equal(t, schema.ExecutionSuspended, res.Status)
	require.NotNil(t, res.Suspension)
	assert.Equal(t, "resume-1", res.Suspension.ExecutionID)
	assert.Equal(t, "https://ensemble.test/resume/resume-1", res.Suspension.ApprovalURL)
	assert.Equal(t, "Ship app-1.2?", res.Suspension.Message)
	assert.Equal(t, h.clock.Now().Add(time.Second), res.Suspension.ExpiresAt)
	assert.Equal(t, 202, res.Response.Status)
	assert.Contains(t, res.Steps, "build")
	assert.NotContains(t, res.Steps, "gate")
	assert.Nil(t, res.CompletedAt)
	assert.Equal(t, 1, h.sink.Count(schema.EventExecutionSuspended))
}

func TestResume_ApprovedContinuesAfterGate(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)
	res, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1.2"})
	require.NoError(t, err)

	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{
		ExecutionID: res.Suspension.ExecutionID,
		Approved:    true,
		Actor:       "alice",
		Comments:    "lgtm",
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, out.Status)
	assert.Equal(t, "resume-1", out.ExecutionID)
	assert.Equal(t, "lgtm", out.Comments)
	assert.Equal(t, map[string]any{"approved": true, "by": "alice", "artifact": "app-1.2"}, out.Output)
	assert.Equal(t, 200, out.Response.Status)

	types := h.sink.Types()
	assert.Contains(t, types, schema.EventExecutionResumed)
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
}

func TestResume_Rejected(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)
	res, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1.2"})
	require.NoError(t, err)

	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{
		ExecutionID: res.Suspension.ExecutionID,
		Approved:    false,
		Actor:       "bob",
		Comments:    "not today",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRejected, out.Status)
	assert.Equal(t, "not today", out.Comments)
	assert.Equal(t, 1, h.sink.Count(schema.EventExecutionRejected))
}

func TestResume_ExpiredThenConflict(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)
	res, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1.2"})
	require.NoError(t, err)

	h.clock.Advance(1500 * time.Millisecond)
	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionExpired, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeSuspensionExpired, out.Error.Code)

	_, err = h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestResume_SecondDecisionConflicts(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)
	res, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1.2"})
	require.NoError(t, err)

	_, err = h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.NoError(t, err)
	_, err = h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: false})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestResume_UnknownID(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: "nope", Approved: true})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestResume_UnregisteredEnsembleKeepsSuspensionPending(t *testing.T) {
	h := newHarness(t)
	src := `{"name":"adhoc","flow":[
		{"type":"agent","name":"gate","agent":"approval","input":{"message":"go?"}},
		{"type":"agent","name":"after","agent":"echo","input":{"by":"${gate.output.actor}"}}
	]}`
	res, err := h.exec.Run(context.Background(), h.parse(src), nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, res.Status)
	req := schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true, Actor: "carol"}

	_, err = h.exec.Resume(context.Background(), req)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Zero(t, h.sink.Count(schema.EventExecutionResumed))

	h.register(src)
	out, err := h.exec.Resume(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, out.Status)
	assert.Equal(t, map[string]any{"by": "carol"}, out.Output)
}

func TestSuspend_InsideBranchKeepsRemainder(t *testing.T) {
	h := newHarness(t)
	calls := h.counter("after")
	h.register(`{"name":"nested","flow":[
		{"type":"branch","condition":"${input.review}",
		 "then":[
			{"type":"agent","name":"gate","agent":"approval"},
			{"type":"agent","name":"inner","agent":"after"}]},
		{"type":"agent","name":"outer","agent":"after"}]}`)

	res, err := h.exec.Execute(context.Background(), "nested", map[string]any{"review": true})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, res.Status)
	assert.Zero(t, calls.Load())

	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, out.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSuspend_InsideTryKeepsFinally(t *testing.T) {
	h := newHarness(t)
	calls := h.counter("cleanup")
	h.register(`{"name":"guarded","flow":[
		{"type":"try",
		 "steps":[{"type":"agent","name":"gate","agent":"approval"}],
		 "finally":[{"type":"agent","name":"tidy","agent":"cleanup"}]}]}`)

	res, err := h.exec.Execute(context.Background(), "guarded", nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, res.Status)
	assert.Zero(t, calls.Load())

	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, out.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSuspend_InsideForeachFails(t *testing.T) {
	h := newHarness(t)
	res := h.run(`{"name":"loop","flow":[{"type":"foreach","items":"${input.items}",
		"steps":[{"type":"agent","name":"gate","agent":"approval"}]}]}`, map[string]any{"items": []any{1}})

	require.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, schema.ErrCodeStepExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "foreach")
}

func TestSuspend_StateSurvivesResume(t *testing.T) {
	h := newHarness(t)
	h.register(`{"name":"stateful","state":{"initial":{"stage":"draft"}},"flow":[
		{"type":"agent","name":"gate","agent":"approval"},
		{"type":"agent","name":"report","agent":"echo","input":{"stage":"${state.stage}","req":"${execution.requestId}"}}]}`)

	res, err := h.exec.Execute(context.Background(), "stateful", nil)
	require.NoError(t, err)
	out, err := h.exec.Resume(context.Background(), schema.ResumeRequest{ExecutionID: res.Suspension.ExecutionID, Approved: true})
	require.NoError(t, err)

	require.Equal(t, schema.ExecutionCompleted, out.Status)
	body := out.Output.(map[string]any)
	assert.Equal(t, "draft", body["stage"])
	assert.NotEmpty(t, body["req"])
}

func TestExpireDue_EmitsExpired(t *testing.T) {
	h := newHarness(t)
	h.register(deployEnsemble)
	_, err := h.exec.Execute(context.Background(), "deploy", map[string]any{"version": "1"})
	require.NoError(t, err)

	n, err := h.exec.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Second)
	n, err = h.exec.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.sink.Count(schema.EventExecutionExpired))
}

func TestNotifications_HubReceivesExecutionEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe, err := h.hub.Subscribe(ctx, notify.Filter{Ensemble: "notified"})
	require.NoError(t, err)
	defer unsubscribe()

	res := h.run(`{"name":"notified",
		"notifications":[{"type":"hub","events":["execution.started","execution.completed"]}],
		"flow":[{"type":"agent","name":"e","agent":"echo"}]}`, nil)
	require.Equal(t, schema.ExecutionCompleted, res.Status)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
			assert.Equal(t, res.ExecutionID, ev.ExecutionID)
		case <-time.After(time.Second):
			t.Fatalf("received %v before timing out", got)
		}
	}
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionCompleted}, got)
}
