// Package expressions evaluates step preconditions and resolves ${{...}}
// parameter references against a run's context.
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// Scope is the data visible to preconditions and parameter references for one
// step, captured at the moment the step begins execution.
type Scope struct {
	Steps   map[string]any // step name -> {"result": ...} for completed steps
	Params  map[string]any // workflow submission inputs
	Run     map[string]any // run metadata (id, name)
	Context map[string]any // full context snapshot, keys as stored
}

func (s *Scope) activation() map[string]any {
	act := map[string]any{
		"steps":   map[string]any{},
		"params":  map[string]any{},
		"run":     map[string]any{},
		"context": map[string]any{},
	}
	if s == nil {
		return act
	}
	if s.Steps != nil {
		act["steps"] = s.Steps
	}
	if s.Params != nil {
		act["params"] = s.Params
	}
	if s.Run != nil {
		act["run"] = s.Run
	}
	if s.Context != nil {
		act["context"] = s.Context
	}
	return act
}

// CELEngine evaluates step preconditions using Google's Common Expression
// Language. Thread-safe: compiled programs are cached and reused across
// goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing four
// top-level variables matching Scope: steps, params, run, context.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("steps", mapType),
		cel.Variable("params", mapType),
		cel.Variable("run", mapType),
		cel.Variable("context", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks that an expression compiles against the engine environment.
// Used at submission time so bad preconditions surface as validation errors.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// EvaluateBool evaluates a precondition against the scope. A false result or a
// missing-key evaluation error means the precondition is not met; a non-bool
// result is a validation error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, scope *Scope) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(scope.activation())
	if err != nil {
		// References to absent upstream results (e.g. a skipped dependency)
		// are treated as an unmet precondition, not an execution failure.
		return false, schema.NewErrorf(schema.ErrCodePrecondition,
			"precondition %q could not be evaluated: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"precondition %q evaluated to %T, want bool", expression, out.Value()).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"precondition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"precondition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
