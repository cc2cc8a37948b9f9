// Package validation checks ensemble definitions at load time: structure
// against the definition JSON Schema, then semantics (names, agents, state
// declarations, depends_on graph), then the embedded state and input schemas.
package validation

import (
	"github.com/rendis/ensemble/internal/state"
	"github.com/rendis/ensemble/pkg/schema"
)

// Lookup answers whether agents and evaluators exist. A nil Lookup skips
// those checks.
type Lookup interface {
	HasAgent(name string) bool
	HasEvaluator(name string) bool
}

// Validator runs the load-time pipeline.
type Validator struct {
	schemas *SchemaValidator
	lookup  Lookup
}

func New(lookup Lookup) (*Validator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: sv, lookup: lookup}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// semantic stage.
func (v *Validator) Validate(e *schema.Ensemble) *schema.ValidationResult {
	if e == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "ensemble definition is nil")
		return r
	}

	result := v.schemas.ValidateDocument(e)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(e, v.lookup))

	if e.State != nil && len(e.State.Schema) > 0 {
		if err := v.schemas.CheckSchema(e.State.Schema); err != nil {
			result.AddError("state.schema", schema.ErrCodeValidation, err.Error())
		} else if e.State.Initial != nil {
			if err := v.schemas.ValidateValue(e.State.Initial, e.State.Schema); err != nil {
				result.AddError("state.initial", schema.ErrCodeValidation, schema.AsEnsembleError(err).Message)
			}
		}
	}
	if err := v.schemas.CheckSchema(e.InputSchema); err != nil {
		result.AddError("inputSchema", schema.ErrCodeValidation, err.Error())
	}
	return result
}

// ValidateEnsemble is Validate folded into a single error.
func (v *Validator) ValidateEnsemble(e *schema.Ensemble) error {
	return v.Validate(e).ToError()
}

// ValidateInput checks execution input against the ensemble's input schema.
func (v *Validator) ValidateInput(e *schema.Ensemble, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	return v.schemas.ValidateValue(input, e.InputSchema)
}

// ValidateState checks a state snapshot against the ensemble's state schema.
func (v *Validator) ValidateState(e *schema.Ensemble, snapshot map[string]any) error {
	if e.State == nil {
		return nil
	}
	return v.schemas.ValidateValue(snapshot, e.State.Schema)
}

// ValidateAgentInput checks resolved step input against an agent's schema.
func (v *Validator) ValidateAgentInput(input map[string]any, rawSchema []byte) error {
	if input == nil {
		input = map[string]any{}
	}
	return v.schemas.ValidateValue(input, rawSchema)
}

func declaredState(cfg *schema.StateConfig) map[string]bool {
	return state.DeclaredFields(cfg)
}
