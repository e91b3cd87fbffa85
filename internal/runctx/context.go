// Package runctx holds the key-value execution context shared by the steps of
// one workflow run. The context is the only channel for inter-step data flow:
// a completed step's result is merged under "<step>.result" and becomes
// visible to later steps' preconditions and parameter resolution.
package runctx

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// Kind tags the runtime type of a context value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindRecord // structured record: nested maps/slices as decoded JSON
)

// Value is a tagged context entry. Restricting the value space keeps
// precondition evaluation and template substitution well-defined.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Record any // map[string]any or []any
}

// Interface returns the value as a plain Go value for expression evaluation.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return v.Record
	}
}

// FromAny converts an arbitrary decoded-JSON value into a tagged Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return Value{Kind: KindString, Str: t}, nil
	case bool:
		return Value{Kind: KindBool, Bool: t}, nil
	case float64:
		return Value{Kind: KindNumber, Num: t}, nil
	case int:
		return Value{Kind: KindNumber, Num: float64(t)}, nil
	case int64:
		return Value{Kind: KindNumber, Num: float64(t)}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeValidation, "context value %q is not a number", t.String())
		}
		return Value{Kind: KindNumber, Num: f}, nil
	case map[string]any, []any, nil:
		return Value{Kind: KindRecord, Record: t}, nil
	default:
		// Fall back to a JSON round trip for struct-typed results.
		b, err := json.Marshal(raw)
		if err != nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeValidation, "context value of type %T is not representable", raw).WithCause(err)
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return Value{}, schema.NewErrorf(schema.ErrCodeValidation, "context value of type %T is not representable", raw).WithCause(err)
		}
		return FromAny(decoded)
	}
}

// Context is a concurrency-safe tagged-value bag. All writes are serialized
// through a single mutex so concurrent step completions never lose a merge.
type Context struct {
	mu     sync.RWMutex
	values map[string]Value
}

// New creates an empty Context, optionally seeded with workflow inputs.
func New(seed map[string]any) (*Context, error) {
	c := &Context{values: make(map[string]Value, len(seed))}
	for k, raw := range seed {
		v, err := FromAny(raw)
		if err != nil {
			return nil, err
		}
		c.values[k] = v
	}
	return c, nil
}

// Set stores a single value under the given key.
func (c *Context) Set(key string, raw any) error {
	v, err := FromAny(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
	return nil
}

// Get returns the value for key and whether it exists.
func (c *Context) Get(key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Merge records a completed step's result under the namespaced key
// "<step>.result". raw is the decoded result payload.
func (c *Context) Merge(step string, raw any) error {
	return c.Set(step+".result", raw)
}

// MergeJSON is Merge for raw JSON payloads as produced by capabilities.
func (c *Context) MergeJSON(step string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return c.Merge(step, nil)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s result is not valid JSON", step).WithStep(step).WithCause(err)
	}
	return c.Merge(step, decoded)
}

// Snapshot returns a point-in-time copy of the context as plain Go values,
// keyed exactly as stored. The copy is safe to hand to expression engines.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v.Interface()
	}
	return out
}

// StepResults returns completed step results grouped by step name:
// {"scan": {"result": {...}}, ...}. This is the "steps" namespace exposed to
// preconditions and ${{...}} references.
func (c *Context) StepResults() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range c.values {
		name, ok := strings.CutSuffix(k, ".result")
		if !ok || name == "" {
			continue
		}
		out[name] = map[string]any{"result": v.Interface()}
	}
	return out
}

// Len returns the number of entries in the bag.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
