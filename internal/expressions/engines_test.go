package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineScope() Scope {
	return Scope{
		"input": map[string]any{"score": 0.8, "tags": []any{"a", "b"}},
		"state": map[string]any{"count": 3},
		"index": 2,
	}
}

func TestCEL_ScopeRoots(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `input.score > 0.5 && state.count == 3`, engineScope())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `size(input.tags)`, engineScope())
	require.NoError(t, err)
	assert.Equal(t, int64(2), out)
}

func TestCEL_MissingRootDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(previousOutputs) == 0`, Scope{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileErrorIsExpressionError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `input.score >`, engineScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_ConcurrentCompilesOnce(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `state.count + 1.0`, engineScope())
			assert.NoError(t, err)
			assert.EqualValues(t, 4, out)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.programs.size())
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `len(filter(input.tags, # != "a"))`, engineScope())
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = e.Evaluate(context.Background(), `missing ?? "fallback"`, engineScope())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_EmptyExpression(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.state.count + .index`, engineScope())
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)

	out, err = e.Run(context.Background(), `.[] | select(. > 1)`, []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 3.0}, out)
}

func TestGoJQ_NoEnvironment(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV | length`, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.[`, Scope{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	assert.Contains(t, err.Error(), "jq parse")
	assert.Zero(t, e.programs.size())
}

func TestGoJQ_NoOutputIsNil(t *testing.T) {
	out, err := NewGoJQEngine().Run(context.Background(), `.[] | select(. > 9)`, []any{1, 2})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_RuntimeErrorIsExpressionError(t *testing.T) {
	_, err := NewGoJQEngine().Run(context.Background(), `error("nope")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	assert.Contains(t, err.Error(), "jq eval")
}
