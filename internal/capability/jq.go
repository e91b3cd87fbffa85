package capability

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

const jqTransformInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "data": {"description": "input document; defaults to the run context"}
  },
  "required": ["query"]
}`

const jqTransformOutputSchema = `{
  "type": "object",
  "properties": {
    "value": {"description": "single output, or array of outputs when the query emits several"}
  }
}`

// JQTransformCapability implements the "jq.transform" capability for
// filtering, reshaping, and aggregating step outputs with jq queries.
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type JQTransformCapability struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQTransformCapability creates a new jq.transform capability.
func NewJQTransformCapability() *JQTransformCapability {
	return &JQTransformCapability{
		cache: make(map[string]*gojq.Code),
	}
}

func (a *JQTransformCapability) Name() string { return "jq.transform" }

func (a *JQTransformCapability) Describe() Descriptor {
	return Descriptor{
		Description:  "Transform JSON data with a jq query.",
		InputSchema:  json.RawMessage(jqTransformInputSchema),
		OutputSchema: json.RawMessage(jqTransformOutputSchema),
	}
}

func (a *JQTransformCapability) Validate(params map[string]any) error {
	if stringParam(params, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'query'")
	}
	return nil
}

func (a *JQTransformCapability) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	query := stringParam(params, "query", "")

	var doc any
	if d, ok := params["data"]; ok {
		doc = normalizeForJQ(d)
	} else if input.Context != nil {
		doc = normalizeForJQ(input.Context)
	} else {
		doc = map[string]any{}
	}

	code, err := a.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, doc)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq.transform: evaluation failed for %q: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
	}

	// A query can emit zero, one, or many values.
	var value any
	switch len(results) {
	case 0:
		value = nil
	case 1:
		value = results[0]
	default:
		value = results
	}

	data, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "jq.transform: failed to marshal output").WithCause(err)
	}
	return &Output{Data: json.RawMessage(data)}, nil
}

// getOrCompile returns a cached compiled query or compiles and caches a new one.
func (a *JQTransformCapability) getOrCompile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[query]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := a.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq.transform: parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	code, err := gojq.Compile(parsed,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq.transform: compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	a.cache[query] = code
	return code, nil
}

// normalizeForJQ converts Go native numeric types to float64, matching jq's
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
