package state

import (
	"sync"
	"testing"

	"github.com/rendis/ensemble/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_InitialIsCopied(t *testing.T) {
	initial := map[string]any{"items": []any{"a"}}
	m := NewManager(initial)

	initial["items"].([]any)[0] = "mutated"
	v, ok := m.Get("items")
	require.True(t, ok)
	assert.Equal(t, []any{"a"}, v)
}

func TestView_ReadRestrictedToUse(t *testing.T) {
	m := NewManager(map[string]any{"a": 1, "b": 2, "c": 3})
	view := m.View(&schema.StateAccess{Use: []string{"a", "c", "missing"}})

	assert.Equal(t, map[string]any{"a": 1, "c": 3}, view.Read())
}

func TestView_NilAccessSeesNothing(t *testing.T) {
	m := NewManager(map[string]any{"a": 1})
	view := m.View(nil)

	assert.Empty(t, view.Read())
	assert.Error(t, view.Set("a", 2))
}

func TestView_WriteRestrictedToSet(t *testing.T) {
	m := NewManager(map[string]any{"a": 1})
	view := m.View(&schema.StateAccess{Set: []string{"b"}})

	require.NoError(t, view.Set("b", "x"))
	err := view.Set("a", 5)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, m.Snapshot())
}

func TestView_ApplyReportsDropped(t *testing.T) {
	m := NewManager(nil)
	view := m.View(&schema.StateAccess{Set: []string{"ok"}})

	dropped := view.Apply(map[string]any{"ok": 1, "z": 2, "y": 3})
	assert.Equal(t, []string{"y", "z"}, dropped)
	assert.Equal(t, map[string]any{"ok": 1}, m.Snapshot())
}

func TestManager_ConcurrentSameFieldLastWriteWins(t *testing.T) {
	m := NewManager(map[string]any{"winner": ""})
	access := &schema.StateAccess{Set: []string{"winner"}}

	var wg sync.WaitGroup
	writers := []string{"left", "right"}
	for _, w := range writers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, m.View(access).Set("winner", name))
		}(w)
	}
	wg.Wait()

	v, _ := m.Get("winner")
	assert.Contains(t, writers, v, "one of the racing writes survives unmerged")
}

func TestDeclaredFields_InitialAndSchema(t *testing.T) {
	cfg := &schema.StateConfig{
		Initial: map[string]any{"count": 0},
		Schema:  []byte(`{"type":"object","properties":{"notes":{"type":"array"}}}`),
	}
	declared := DeclaredFields(cfg)
	assert.True(t, declared["count"])
	assert.True(t, declared["notes"])

	undeclared := Undeclared(declared, &schema.StateAccess{Use: []string{"count"}, Set: []string{"notes", "ghost", "ghost"}})
	assert.Equal(t, []string{"ghost"}, undeclared)
	assert.Empty(t, DeclaredFields(nil))
}
