package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

func resolverScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"scan": map[string]any{
				"result": map[string]any{
					"host":       "10.0.0.5",
					"open_ports": []any{float64(22), float64(443)},
					"count":      float64(3),
					"tls": map[string]any{
						"version": "1.3",
					},
				},
			},
		},
		Params:  map[string]any{"environment": "prod", "limit": float64(10)},
		Run:     map[string]any{"id": "run-1", "workflow": "triage"},
		Context: map[string]any{"target": "10.0.0.5"},
	}
}

func TestResolveParams_NoTokensPassThrough(t *testing.T) {
	r := NewResolver()
	params := map[string]any{"url": "https://example.com", "count": float64(3)}

	out, err := r.ResolveParams(params, resolverScope())
	require.NoError(t, err)
	assert.Equal(t, params, out)

	out, err = r.ResolveParams(nil, resolverScope())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestResolveParams_StepReference(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"target": "${{ steps.scan.result.host }}",
	}, resolverScope())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", out["target"])
}

func TestResolveParams_NestedFieldAndWholeResult(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"version": "${{ steps.scan.result.tls.version }}",
		"scan":    "${{ steps.scan.result }}",
	}, resolverScope())
	require.NoError(t, err)
	assert.Equal(t, "1.3", out["version"])

	// A whole-result reference expands to the record itself.
	rec, ok := out["scan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", rec["host"])
}

func TestResolveParams_StringConcatenation(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"url": "https://${{ steps.scan.result.host }}:443/api?env=${{ params.environment }}",
	}, resolverScope())
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.5:443/api?env=prod", out["url"])
}

func TestResolveParams_WholeStringTokensKeepTypes(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"count": "${{ steps.scan.result.count }}",
		"ports": "${{ steps.scan.result.open_ports }}",
	}, resolverScope())
	require.NoError(t, err)
	// A token spanning the whole string keeps the value's type.
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, []any{float64(22), float64(443)}, out["ports"])
}

func TestResolveParams_NumbersEmbedInLargerStrings(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"msg": "found ${{ steps.scan.result.count }} ports",
	}, resolverScope())
	require.NoError(t, err)
	assert.Equal(t, "found 3 ports", out["msg"])
}

func TestResolveParams_TokensInsideNestedStructures(t *testing.T) {
	r := NewResolver()

	out, err := r.ResolveParams(map[string]any{
		"request": map[string]any{
			"headers": map[string]any{"X-Target": "${{ context.target }}"},
			"tags":    []any{"${{ run.workflow }}", "static"},
		},
	}, resolverScope())
	require.NoError(t, err)

	req := out["request"].(map[string]any)
	headers := req["headers"].(map[string]any)
	assert.Equal(t, "10.0.0.5", headers["X-Target"])
	tags := req["tags"].([]any)
	assert.Equal(t, "triage", tags[0])
}

func TestResolveParams_Errors(t *testing.T) {
	r := NewResolver()
	scope := resolverScope()

	cases := []struct {
		name   string
		params map[string]any
	}{
		{"unknown namespace", map[string]any{"v": "${{ secrets.token }}"}},
		{"unknown step", map[string]any{"v": "${{ steps.ghost.result }}"}},
		{"missing result segment", map[string]any{"v": "${{ steps.scan.output }}"}},
		{"unknown field", map[string]any{"v": "${{ steps.scan.result.missing }}"}},
		{"unclosed token", map[string]any{"v": "${{ steps.scan.result"}},
		{"empty token", map[string]any{"v": "${{  }}"}},
		{"traverse into scalar", map[string]any{"v": "${{ steps.scan.result.host.deeper }}"}},
	}
	for _, tc := range cases {
		_, err := r.ResolveParams(tc.params, scope)
		require.Error(t, err, tc.name)
		var se *schema.Error
		require.ErrorAs(t, err, &se, tc.name)
		assert.Equal(t, schema.ErrCodeInterpolation, se.Code, tc.name)
	}
}

func TestResolveParams_NestedInterpolationForbidden(t *testing.T) {
	r := NewResolver()

	_, err := r.ResolveParams(map[string]any{
		"v": "${{ steps.${{ params.environment }}.result }}",
	}, resolverScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested interpolation")
}

func TestResolveParams_ErrorListsAvailable(t *testing.T) {
	r := NewResolver()

	_, err := r.ResolveParams(map[string]any{"v": "${{ steps.ghost.result }}"}, resolverScope())
	require.Error(t, err)
	// The message names what is available, so workflow authors can fix refs.
	assert.Contains(t, err.Error(), "scan")
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation([]byte(`{"a": "${{ params.x }}"}`)))
	assert.False(t, HasInterpolation([]byte(`{"a": "$ { { nope } }"}`)))
}
