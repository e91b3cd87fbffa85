// Package validation checks workflow definitions at submission time, before
// any run state exists: JSON Schema shape validation plus the semantic checks
// a schema cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kestrelsec/kestrel/internal/engine"
	"github.com/kestrelsec/kestrel/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://kestrelsec.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "capability"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "capability": {
          "type": "string",
          "minLength": 1
        },
        "params": {},
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "independent": { "type": "boolean" },
        "precondition": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "cleanup": { "$ref": "#/$defs/cleanup" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "backoff_base": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "backoff_multiplier": {
          "type": "number",
          "exclusiveMinimum": 0
        },
        "backoff_cap": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "cleanup": {
      "type": "object",
      "required": ["capability"],
      "properties": {
        "capability": {
          "type": "string",
          "minLength": 1
        },
        "params": {}
      },
      "additionalProperties": false
    }
  }
}`

// CapabilityResolver reports whether a capability name is registered.
type CapabilityResolver interface {
	Has(name string) bool
}

// PreconditionCompiler checks a precondition expression at submission time.
type PreconditionCompiler interface {
	Compile(expression string) error
}

// Validator validates workflow definitions. Safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema

	caps CapabilityResolver
	cel  PreconditionCompiler

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with the workflow schema pre-compiled.
// caps and cel may be nil; the corresponding checks are then skipped.
func NewValidator(caps CapabilityResolver, cel PreconditionCompiler) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://kestrelsec.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://kestrelsec.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{
		workflowSchema: wfSchema,
		caps:           caps,
		cel:            cel,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition: JSON Schema shape, then
// semantic checks (unique step names, resolvable dependencies, acyclic graph,
// registered capabilities, parseable durations, compilable preconditions).
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}

	// BuildPlan covers duplicate names, unknown dependencies, and cycles.
	if _, err := engine.BuildPlan(def); err != nil {
		return err
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		if v.caps != nil {
			if !v.caps.Has(step.Capability) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s uses unregistered capability %q", step.Name, step.Capability).WithStep(step.Name)
			}
			if step.Cleanup != nil && !v.caps.Has(step.Cleanup.Capability) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s cleanup uses unregistered capability %q", step.Name, step.Cleanup.Capability).WithStep(step.Name)
			}
		}

		if step.Timeout != "" {
			if _, derr := time.ParseDuration(step.Timeout); derr != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has invalid timeout %q", step.Name, step.Timeout).WithStep(step.Name).WithCause(derr)
			}
		}
		if step.Retry != nil {
			if step.Retry.BackoffBase != "" {
				if _, derr := time.ParseDuration(step.Retry.BackoffBase); derr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"step %s has invalid backoff_base %q", step.Name, step.Retry.BackoffBase).WithStep(step.Name).WithCause(derr)
				}
			}
			if step.Retry.BackoffCap != "" {
				if _, derr := time.ParseDuration(step.Retry.BackoffCap); derr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"step %s has invalid backoff_cap %q", step.Name, step.Retry.BackoffCap).WithStep(step.Name).WithCause(derr)
				}
			}
		}

		if v.cel != nil && step.Precondition != "" {
			if cerr := v.cel.Compile(step.Precondition); cerr != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has invalid precondition: %s", step.Name, cerr.Error()).WithStep(step.Name).WithCause(cerr)
			}
		}
	}

	return nil
}

// ValidateInput validates submission params against a JSON Schema provided as
// raw bytes (e.g. from workflow metadata). The compiled schema is cached.
func (v *Validator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("kestrel://input-schema/%d", len(v.cache))

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

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error with per-violation messages.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
