package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

func jqValue(t *testing.T, out *Output) any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &decoded))
	return decoded["value"]
}

func TestJQTransform_SingleResult(t *testing.T) {
	c := NewJQTransformCapability()
	out, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".findings | length",
		"data": map[string]any{
			"findings": []any{
				map[string]any{"severity": "high"},
				map[string]any{"severity": "low"},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(2), jqValue(t, out))
}

func TestJQTransform_MultipleResultsBecomeArray(t *testing.T) {
	c := NewJQTransformCapability()
	out, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".findings[].severity",
		"data": map[string]any{
			"findings": []any{
				map[string]any{"severity": "high"},
				map[string]any{"severity": "low"},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"high", "low"}, jqValue(t, out))
}

func TestJQTransform_EmptyResultIsNull(t *testing.T) {
	c := NewJQTransformCapability()
	out, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".findings[] | select(.severity == \"critical\")",
		"data":  map[string]any{"findings": []any{}},
	}})
	require.NoError(t, err)
	assert.Nil(t, jqValue(t, out))
}

func TestJQTransform_DefaultsToRunContext(t *testing.T) {
	c := NewJQTransformCapability()
	out, err := c.Execute(context.Background(), Input{
		Params:  map[string]any{"query": ".target"},
		Context: map[string]any{"target": "10.0.0.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", jqValue(t, out))
}

func TestJQTransform_NormalizesIntegers(t *testing.T) {
	c := NewJQTransformCapability()
	// Go ints in the input document must behave as jq numbers.
	out, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".port + 1",
		"data":  map[string]any{"port": 442},
	}})
	require.NoError(t, err)
	assert.Equal(t, float64(443), jqValue(t, out))
}

func TestJQTransform_MissingQuery(t *testing.T) {
	c := NewJQTransformCapability()
	_, err := c.Execute(context.Background(), Input{Params: map[string]any{}})
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestJQTransform_ParseError(t *testing.T) {
	c := NewJQTransformCapability()
	_, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".[ broken",
	}})
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestJQTransform_RuntimeError(t *testing.T) {
	c := NewJQTransformCapability()
	_, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": ".a + 1",
		"data":  map[string]any{"a": "not-a-number"},
	}})
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeExecution, se.Code)
}

func TestJQTransform_EnvAccessIsSandboxed(t *testing.T) {
	t.Setenv("KESTREL_SECRET", "hunter2")

	c := NewJQTransformCapability()
	out, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"query": "$ENV.KESTREL_SECRET",
		"data":  map[string]any{},
	}})
	require.NoError(t, err)
	assert.Nil(t, jqValue(t, out), "environment must not leak into queries")
}
