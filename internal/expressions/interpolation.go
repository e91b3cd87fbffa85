package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// Resolver substitutes ${{...}} references in step params with their current
// scope values. Substitution happens when a step begins execution, not at
// submission time, so each step sees the freshest upstream data.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveParams interpolates a params map against the scope. The map is
// round-tripped through JSON so references nested in records and lists
// resolve too. Params without any ${{...}} token are returned as-is.
func (r *Resolver) ResolveParams(params map[string]any, scope *Scope) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "marshal params: %s", err.Error()).WithCause(err)
	}
	if !HasInterpolation(raw) {
		return params, nil
	}

	resolved, err := r.resolve(string(raw), scope)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(resolved), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"params are no longer valid JSON after substitution: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// resolve scans for ${{...}} tokens and replaces each with its scope value.
func (r *Resolver) resolve(input string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := r.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		// A token spanning an entire JSON string is replaced with the value's
		// JSON encoding, quotes included, so records, lists, and numbers stay
		// typed instead of degrading to strings.
		wholeString := i+idx > 0 && input[i+idx-1] == '"' &&
			end+2 < len(input) && input[end+2] == '"'
		if _, isStr := val.(string); wholeString && !isStr {
			result.WriteString(input[i : i+idx-1])
			encoded, merr := json.Marshal(val)
			if merr != nil {
				return "", schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot encode value for ${{%s}}: %s", expr, merr.Error()).WithCause(merr)
			}
			result.Write(encoded)
			i = end + 3 // skip "}}" and the closing quote
			continue
		}

		result.WriteString(input[i : i+idx])
		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// resolveExpr resolves a single reference like "steps.scan.result.port".
func (r *Resolver) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return r.resolveSteps(expr, scope)
	case "params":
		return r.resolveNamespace(scope.Params, expr, "params")
	case "run":
		return r.resolveNamespace(scope.Run, expr, "run")
	case "context":
		return r.resolveNamespace(scope.Context, expr, "context")
	default:
		available := []string{"steps", "params", "run", "context"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<name>.result[.<field>...] references.
func (r *Resolver) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, name, result, rest...]
	if len(parts) < 3 || parts[2] != "result" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<name>.result[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	name := parts[1]
	entry, ok := scope.Steps[name]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", name, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	record, ok := entry.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q has no result record", name).WithDetails(map[string]any{"expression": expr})
	}
	result := record["result"]

	if len(parts) == 3 {
		return result, nil
	}
	return traversePath(result, parts[3], expr)
}

// resolveNamespace resolves a dot-delimited path in a flat namespace map.
func (r *Resolver) resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]

	// Direct key lookup first, so keys containing dots (e.g. "scan.result")
	// resolve without traversal.
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := obj[seg]
		if !ok {
			availableKeys := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
		}
		current = val
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded bare so references inside larger strings concatenate
// naturally; complex values are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
