// Package state gates step access to ensemble-scoped mutable state.
package state

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Manager holds the mutable state of one execution. The mutex only keeps the
// map consistent: concurrent writers to the same field are not ordered and
// the last write wins.
type Manager struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewManager seeds state with a deep copy of initial.
func NewManager(initial map[string]any) *Manager {
	values := CloneMap(initial)
	if values == nil {
		values = make(map[string]any)
	}
	return &Manager{values: values}
}

// Snapshot returns a deep copy of the full state.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneMap(m.values)
}

// Get returns a deep copy of one field.
func (m *Manager) Get(field string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[field]
	return Clone(v), ok
}

func (m *Manager) put(field string, value any) {
	m.mu.Lock()
	m.values[field] = Clone(value)
	m.mu.Unlock()
}

// View returns the gated view for a step's access declaration. A nil
// declaration grants no reads and no writes.
func (m *Manager) View(access *schema.StateAccess) *View {
	v := &View{m: m, use: map[string]bool{}, set: map[string]bool{}}
	if access != nil {
		for _, f := range access.Use {
			v.use[f] = true
		}
		for _, f := range access.Set {
			v.set[f] = true
		}
	}
	return v
}

// View is one step's window onto the state.
type View struct {
	m   *Manager
	use map[string]bool
	set map[string]bool
}

// Read returns a copy of the fields listed in use. Fields absent from
// state are omitted.
func (v *View) Read() map[string]any {
	out := make(map[string]any, len(v.use))
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	for f := range v.use {
		if val, ok := v.m.values[f]; ok {
			out[f] = Clone(val)
		}
	}
	return out
}

// CanWrite reports whether field is listed in set.
func (v *View) CanWrite(field string) bool {
	return v.set[field]
}

// Set writes one field. Writing outside the set list is a validation error;
// load-time checks normally make this unreachable.
func (v *View) Set(field string, value any) error {
	if !v.set[field] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"state field %q is not declared in the step's set list", field)
	}
	v.m.put(field, value)
	return nil
}

// Apply writes every permitted update and returns the sorted names of
// fields that were dropped.
func (v *View) Apply(updates map[string]any) (dropped []string) {
	for f, val := range updates {
		if err := v.Set(f, val); err != nil {
			dropped = append(dropped, f)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// DeclaredFields returns the state fields an ensemble declares, taken from
// the initial values and the top-level properties of the state schema.
func DeclaredFields(cfg *schema.StateConfig) map[string]bool {
	fields := map[string]bool{}
	if cfg == nil {
		return fields
	}
	for f := range cfg.Initial {
		fields[f] = true
	}
	if len(cfg.Schema) > 0 {
		var s struct {
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(cfg.Schema, &s); err == nil {
			for f := range s.Properties {
				fields[f] = true
			}
		}
	}
	return fields
}

// Undeclared lists the use and set fields of access that the ensemble
// does not declare.
func Undeclared(declared map[string]bool, access *schema.StateAccess) []string {
	if access == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, f := range append(append([]string{}, access.Use...), access.Set...) {
		if !declared[f] && !seen[f] {
			out = append(out, f)
			seen[f] = true
		}
	}
	return out
}
