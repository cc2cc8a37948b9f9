package agents

import (
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// Registry maps names to agents and evaluators. It is constructed by the
// caller and passed to the engine; there is no process-wide instance.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	evaluators map[string]Evaluator
}

func NewRegistry() *Registry {
	return &Registry{
		agents:     make(map[string]Agent),
		evaluators: make(map[string]Evaluator),
	}
}

// Register adds an agent. Duplicate names are a CONFLICT.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", a.Name())
	}
	r.agents[a.Name()] = a
	return nil
}

// RegisterEvaluator adds a scoring evaluator. Duplicate names are a CONFLICT.
func (r *Registry) RegisterEvaluator(e Evaluator) error {
	if e == nil || e.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "evaluator must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evaluators[e.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "evaluator %q already registered", e.Name())
	}
	r.evaluators[e.Name()] = e
	return nil
}

// Unregister removes an agent; removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

func (r *Registry) Agent(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q not registered", name)
	}
	return a, nil
}

func (r *Registry) Evaluator(name string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "evaluator %q not registered", name)
	}
	return e, nil
}

// HasAgent and HasEvaluator back load-time reference checks.
func (r *Registry) HasAgent(name string) bool {
	_, err := r.Agent(name)
	return err == nil
}

func (r *Registry) HasEvaluator(name string) bool {
	_, err := r.Evaluator(name)
	return err == nil
}

// Info summarizes a registered agent.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// List returns every registered agent sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for name, a := range r.agents {
		info := Info{Name: name}
		if d, ok := a.(Describer); ok {
			info.Description = d.Describe().Description
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
