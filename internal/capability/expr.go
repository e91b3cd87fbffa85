package capability

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

const exprEvalInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {"type": "object", "description": "variables visible to the expression; defaults to the run context"}
  },
  "required": ["expression"]
}`

const exprEvalOutputSchema = `{
  "type": "object",
  "properties": {
    "value": {"description": "the evaluation result"}
  }
}`

// ExprEvalCapability implements the "expr.eval" capability for deterministic
// in-workflow computation: scoring, thresholds, list filtering. It supports
// let bindings, array operations (filter, map, any, all, sum), nil coalescing
// (??) and optional chaining (?.).
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEvalCapability struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvalCapability creates a new expr.eval capability.
func NewExprEvalCapability() *ExprEvalCapability {
	return &ExprEvalCapability{
		cache: make(map[string]*vm.Program),
	}
}

func (a *ExprEvalCapability) Name() string { return "expr.eval" }

func (a *ExprEvalCapability) Describe() Descriptor {
	return Descriptor{
		Description:  "Evaluate an expr-lang expression against explicit data or the run context.",
		InputSchema:  json.RawMessage(exprEvalInputSchema),
		OutputSchema: json.RawMessage(exprEvalOutputSchema),
	}
}

func (a *ExprEvalCapability) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required param 'expression'")
	}
	return nil
}

func (a *ExprEvalCapability) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	expression := stringParam(params, "expression", "")

	env := mapParam(params, "data")
	if env == nil {
		env = input.Context
	}
	if env == nil {
		env = map[string]any{}
	}

	prg, err := a.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr.eval: evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	data, err := json.Marshal(map[string]any{"value": out})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "expr.eval: failed to marshal output").WithCause(err)
	}
	return &Output{Data: json.RawMessage(data)}, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (a *ExprEvalCapability) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	a.mu.RLock()
	if prg, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return prg, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := a.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr.eval: compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	a.cache[expression] = prg
	return prg, nil
}
