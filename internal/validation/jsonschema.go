package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const ensembleSchemaURL = "https://ensemble.dev/schemas/ensemble.json"

// ensembleSchemaJSON describes the wire form of an ensemble definition.
// Per-kind requirements are expressed with if/then on the step "type".
const ensembleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ensemble.dev/schemas/ensemble.json",
  "type": "object",
  "required": ["name", "flow"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "flow": {"$ref": "#/$defs/stepList", "minItems": 1},
    "state": {
      "type": "object",
      "properties": {
        "schema": {"type": "object"},
        "initial": {"type": "object"}
      },
      "additionalProperties": false
    },
    "output": {"type": "array", "items": {"$ref": "#/$defs/output"}},
    "notifications": {"type": "array", "items": {"$ref": "#/$defs/notification"}},
    "inputSchema": {"type": "object"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "stepList": {"type": "array", "items": {"$ref": "#/$defs/step"}},
    "step": {
      "type": "object",
      "properties": {
        "type": {
          "type": "string",
          "enum": ["agent", "parallel", "branch", "foreach", "try", "switch", "while", "map-reduce"]
        },
        "name": {"type": "string"}
      },
      "allOf": [
        {
          "if": {"anyOf": [
            {"not": {"required": ["type"]}},
            {"properties": {"type": {"const": "agent"}}}
          ]},
          "then": {"$ref": "#/$defs/agentStep"}
        },
        {
          "if": {"properties": {"type": {"const": "parallel"}}, "required": ["type"]},
          "then": {
            "required": ["steps"],
            "properties": {
              "steps": {"$ref": "#/$defs/stepList"},
              "waitFor": {"enum": ["all", "any", "first"]},
              "maxConcurrency": {"type": "integer", "minimum": 0}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "branch"}}, "required": ["type"]},
          "then": {
            "required": ["condition", "then"],
            "properties": {
              "condition": {"type": "string", "minLength": 1},
              "then": {"$ref": "#/$defs/stepList"},
              "else": {"$ref": "#/$defs/stepList"}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "foreach"}}, "required": ["type"]},
          "then": {
            "required": ["items", "steps"],
            "properties": {
              "items": {"type": "string", "minLength": 1},
              "steps": {"$ref": "#/$defs/stepList"},
              "maxConcurrency": {"type": "integer", "minimum": 0},
              "breakWhen": {"type": "string"}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "try"}}, "required": ["type"]},
          "then": {
            "required": ["steps"],
            "properties": {
              "steps": {"$ref": "#/$defs/stepList"},
              "catch": {"$ref": "#/$defs/stepList"},
              "finally": {"$ref": "#/$defs/stepList"}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "switch"}}, "required": ["type"]},
          "then": {
            "required": ["value", "cases"],
            "properties": {
              "value": {"type": "string", "minLength": 1},
              "cases": {"type": "object", "additionalProperties": {"$ref": "#/$defs/stepList"}},
              "default": {"$ref": "#/$defs/stepList"}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "while"}}, "required": ["type"]},
          "then": {
            "required": ["condition", "steps"],
            "properties": {
              "condition": {"type": "string", "minLength": 1},
              "steps": {"$ref": "#/$defs/stepList"},
              "maxIterations": {"type": "integer", "minimum": 0}
            }
          }
        },
        {
          "if": {"properties": {"type": {"const": "map-reduce"}}, "required": ["type"]},
          "then": {
            "required": ["items", "map", "reduce"],
            "properties": {
              "items": {"type": "string", "minLength": 1},
              "map": {"$ref": "#/$defs/agentStep"},
              "reduce": {"$ref": "#/$defs/agentStep"},
              "maxConcurrency": {"type": "integer", "minimum": 0}
            }
          }
        }
      ]
    },
    "agentStep": {
      "type": "object",
      "required": ["name", "agent"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "agent": {"type": "string", "minLength": 1},
        "input": {"type": "object"},
        "config": {"type": "object"},
        "condition": {"type": "string"},
        "when": {"type": "string"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "timeout": {"type": "integer", "minimum": 0},
        "onTimeout": {
          "type": "object",
          "properties": {"fallback": true, "error": {"type": "boolean"}},
          "additionalProperties": false
        },
        "retry": {
          "type": "object",
          "properties": {
            "attempts": {"type": "integer", "minimum": 1},
            "backoff": {"enum": ["fixed", "linear", "exponential"]},
            "initialDelay": {"type": "integer", "minimum": 0},
            "maxDelay": {"type": "integer", "minimum": 0},
            "retryOn": {"type": "array", "items": {"type": "string"}}
          },
          "additionalProperties": false
        },
        "cache": {
          "type": "object",
          "properties": {
            "ttl": {"type": "integer", "minimum": 0},
            "bypass": {"type": "boolean"},
            "key": {"type": "string"}
          },
          "additionalProperties": false
        },
        "scoring": {
          "type": "object",
          "required": ["evaluator", "thresholds"],
          "properties": {
            "evaluator": {"type": "string", "minLength": 1},
            "criteria": true,
            "thresholds": {
              "type": "object",
              "required": ["minimum"],
              "properties": {
                "minimum": {"type": "number", "minimum": 0, "maximum": 1},
                "target": {"type": "number", "minimum": 0, "maximum": 1}
              }
            },
            "onFailure": {"enum": ["continue", "abort", "retry"]},
            "retryLimit": {"type": "integer", "minimum": 0},
            "requireImprovement": {"type": "boolean"},
            "minImprovement": {"type": "number", "minimum": 0}
          },
          "additionalProperties": false
        },
        "state": {
          "type": "object",
          "properties": {
            "use": {"type": "array", "items": {"type": "string"}},
            "set": {"type": "array", "items": {"type": "string"}}
          },
          "additionalProperties": false
        }
      }
    },
    "output": {
      "type": "object",
      "properties": {
        "when": {"type": "string"},
        "status": {"type": "integer", "minimum": 100, "maximum": 599},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "body": true,
        "rawBody": {"type": "string"},
        "redirect": {
          "type": "object",
          "required": ["url"],
          "properties": {
            "url": {"type": "string", "minLength": 1},
            "status": {"type": "integer", "minimum": 300, "maximum": 399}
          }
        }
      },
      "additionalProperties": false
    },
    "notification": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "name": {"type": "string"},
        "type": {"enum": ["webhook", "slack", "hub"]},
        "url": {"type": "string"},
        "secret": {"type": "string"},
        "events": {"type": "array", "items": {"type": "string"}},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks documents against the ensemble schema and against
// user-supplied JSON Schemas (input and state). It is safe for concurrent use.
type SchemaValidator struct {
	ensembleSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ensembleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal ensemble schema: %w", err)
	}
	if err := c.AddResource(ensembleSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add ensemble schema resource: %w", err)
	}
	compiled, err := c.Compile(ensembleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile ensemble schema: %w", err)
	}

	return &SchemaValidator{
		ensembleSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded ensemble against the definition schema.
func (v *SchemaValidator) ValidateDocument(e *schema.Ensemble) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(e)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "serialize ensemble: "+err.Error())
		return result
	}
	if err := v.ensembleSchema.Validate(doc); err != nil {
		addViolations(result, err)
	}
	return result
}

// ValidateValue checks value against a user-supplied JSON Schema. An empty
// schema accepts everything.
func (v *SchemaValidator) ValidateValue(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		result := &schema.ValidationResult{}
		addViolations(result, err)
		return result.ToError()
	}
	return nil
}

// CheckSchema reports whether rawSchema compiles.
func (v *SchemaValidator) CheckSchema(rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}
	_, err := v.getOrCompile(rawSchema)
	return err
}

func (v *SchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("ensemble://user-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(result, verr)
}

// collectViolations records the leaves of a ValidationError tree.
func collectViolations(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, cause)
	}
}
