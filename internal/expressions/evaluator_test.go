package expressions

import (
	"context"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	engines, err := DefaultEngines()
	require.NoError(t, err)
	return NewEvaluator(engines...)
}

func sampleScope() Scope {
	return Scope{
		"input": map[string]any{
			"name":   "ada",
			"count":  float64(5),
			"active": true,
			"nested": map[string]any{"list": []any{"x", "y"}},
			"empty":  nil,
			"status": "open",
		},
		"state": map[string]any{"total": 10},
		"fetch": map[string]any{"output": map[string]any{"ok": true}},
	}
}

func TestResolve_WholeTokenKeepsType(t *testing.T) {
	ev := newTestEvaluator(t)

	v, err := ev.Resolve("${input.count}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = ev.Resolve("${input.nested}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"list": []any{"x", "y"}}, v)

	v, err = ev.Resolve("${fetch.output.ok}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestResolve_NullAndMissing(t *testing.T) {
	ev := newTestEvaluator(t)

	v, err := ev.Resolve("${input.empty}", sampleScope())
	require.NoError(t, err)
	assert.Nil(t, v, "explicit null is preserved when typed")

	v, err = ev.Resolve("${input.nope.deeper}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, "", v)

	s, err := ev.Interpolate("a=${input.empty} b=${input.nope}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, "a=null b=", s)
}

func TestInterpolate_CoercesToString(t *testing.T) {
	ev := newTestEvaluator(t)

	s, err := ev.Interpolate("hi ${input.name}, ${input.count} items ${input.nested.list[1]} ${input.nested.list}", sampleScope())
	require.NoError(t, err)
	assert.Equal(t, `hi ada, 5 items y ["x","y"]`, s)
}

func TestInterpolate_Unclosed(t *testing.T) {
	ev := newTestEvaluator(t)
	_, err := ev.Resolve("oops ${input.name", sampleScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestResolveValue_Recursive(t *testing.T) {
	ev := newTestEvaluator(t)

	out, err := ev.ResolveMap(map[string]any{
		"who":   "${input.name}",
		"list":  []any{"${input.count}", "static"},
		"inner": map[string]any{"flag": "${input.active}"},
		"num":   7,
	}, sampleScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"who":   "ada",
		"list":  []any{float64(5), "static"},
		"inner": map[string]any{"flag": true},
		"num":   7,
	}, out)
}

func TestCondition_Comparisons(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()

	cases := []struct {
		expr string
		want bool
	}{
		{"${input.count} > 3", true},
		{"${input.count} >= 5", true},
		{"${input.count} < 5", false},
		{"${input.count} <= 4", false},
		{"${input.count} == 5", true},
		{"${input.count} != 5", false},
		{"${input.count} == '5'", true},
		{"${input.status} == 'open'", true},
		{"${input.status} == open", true},
		{"${input.status} != \"closed\"", true},
		{"${input.nested.list.length} == 2", true},
		{"${state.total} > ${input.count}", true},
		{"'10' < '9'", true},
		{"10 < 9", false},
		{"${input.empty} == null", true},
		{"${input.active}", true},
		{"${input.missing}", false},
		{"cel:input.count > 4.0", true},
		{"expr:input.name == 'ada'", true},
		{"jq:.input.active", true},
		{"", true},
	}
	for _, tc := range cases {
		got, err := ev.Condition(ctx, tc.expr, sampleScope())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestSplitComparison_IgnoresQuotedAndTokens(t *testing.T) {
	_, _, _, ok := splitComparison("'a > b'")
	assert.False(t, ok)

	left, op, right, ok := splitComparison("${a} >= 'x<y'")
	require.True(t, ok)
	assert.Equal(t, "${a} ", left)
	assert.Equal(t, ">=", op)
	assert.Equal(t, " 'x<y'", right)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy("false"))
	assert.True(t, Truthy(map[string]any{}))
	assert.True(t, Truthy([]any{}))
	assert.True(t, Truthy(-1))
}

func TestScope_WithDoesNotMutateParent(t *testing.T) {
	parent := Scope{"a": 1}
	child := parent.With(map[string]any{"item": "x"})

	assert.Equal(t, "x", child["item"])
	_, ok := parent["item"]
	assert.False(t, ok)
}
