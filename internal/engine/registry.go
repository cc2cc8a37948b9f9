package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Summary describes a registered ensemble for listings.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Stateful    bool   `json:"stateful"`
}

// Registry holds validated ensemble definitions by name. Definitions are
// immutable once registered and shared by every execution.
type Registry struct {
	mu        sync.RWMutex
	validator *validation.Validator
	ensembles map[string]*schema.Ensemble
}

// NewRegistry creates an empty registry. A nil validator registers
// definitions unchecked.
func NewRegistry(validator *validation.Validator) *Registry {
	return &Registry{validator: validator, ensembles: make(map[string]*schema.Ensemble)}
}

// Register validates e and adds it. Registering a name twice is a CONFLICT.
func (r *Registry) Register(e *schema.Ensemble) error {
	if e == nil || e.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "ensemble name is required")
	}
	if r.validator != nil {
		if err := r.validator.ValidateEnsemble(e); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ensembles[e.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "ensemble %q already registered", e.Name)
	}
	r.ensembles[e.Name] = e
	return nil
}

// Get returns the named ensemble or NOT_FOUND.
func (r *Registry) Get(name string) (*schema.Ensemble, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.ensembles[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "ensemble %q not found", name)
	}
	return e, nil
}

// List returns summaries sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.ensembles))
	for _, e := range r.ensembles {
		out = append(out, Summary{
			Name:        e.Name,
			Description: e.Description,
			Steps:       len(e.Flow),
			Stateful:    e.State != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir parses and registers every *.json file in dir. It stops at the
// first invalid definition and reports the file it came from.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "read ensemble dir %s", dir).WithCause(err)
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return n, schema.NewErrorf(schema.ErrCodeStore, "read %s", path).WithCause(err)
		}
		e, err := schema.ParseEnsemble(data)
		if err != nil {
			return n, withFile(err, path)
		}
		if err := r.Register(e); err != nil {
			return n, withFile(err, path)
		}
		n++
	}
	return n, nil
}

func withFile(err error, path string) error {
	ee := schema.AsEnsembleError(err)
	details := make(map[string]any, len(ee.Details)+1)
	for k, v := range ee.Details {
		details[k] = v
	}
	details["file"] = path
	return ee.WithDetails(details)
}
