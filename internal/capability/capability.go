// Package capability defines the pluggable units of work that workflow steps
// execute, plus the built-in executors (HTTP, command, expression, jq).
package capability

import (
	"context"
	"encoding/json"
)

// Capability is an executable unit of work bound to a workflow step.
type Capability interface {
	Name() string
	Describe() Descriptor
	Execute(ctx context.Context, input Input) (*Output, error)
	Validate(params map[string]any) error
}

// Descriptor documents a capability's input/output contract.
type Descriptor struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Input is the data handed to a capability at execution time. Params have
// already been interpolated against the run context.
type Input struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// Output is the result of a capability execution. Data is the JSON payload
// merged into the run context under "<step>.result".
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Info is a summary of a registered capability for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
