package schema

// WorkflowDefinition is the fully-resolved workflow submitted to the run
// registry. Parsing from authoring formats (YAML/JSON files) happens upstream;
// the engine only ever sees this shape.
type WorkflowDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
//
// Ordering: a step that declares depends_on runs after exactly those steps. A
// step with independent=true has no implicit ordering. Otherwise a step
// implicitly depends on the step declared immediately before it, preserving
// sequential semantics for plain step lists.
type StepDefinition struct {
	Name         string         `json:"name"`
	Capability   string         `json:"capability"`             // registered capability name (e.g. "http.request")
	Params       map[string]any `json:"params,omitempty"`       // may contain ${{...}} references
	DependsOn    []string       `json:"depends_on,omitempty"`   // step names that must complete first
	Independent  bool           `json:"independent,omitempty"`  // opt out of implicit sequential ordering
	Precondition string         `json:"precondition,omitempty"` // CEL expression over the run context
	Retry        *RetryPolicy   `json:"retry,omitempty"`
	Timeout      string         `json:"timeout,omitempty"` // per-attempt bound (e.g. "30s", "5m")
	Cleanup      *CleanupSpec   `json:"cleanup,omitempty"` // invoked once if the step ultimately fails
}

// RetryPolicy configures retry behavior for a step.
// Delay before retry attempt k (1-based) is min(base * multiplier^(k-1), cap).
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffBase       string  `json:"backoff_base,omitempty"`       // initial delay (e.g. "1s", "500ms")
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"` // default 2
	BackoffCap        string  `json:"backoff_cap,omitempty"`        // upper bound on a single delay
}

// CleanupSpec names a capability invoked exactly once, synchronously, after a
// step exhausts its retries. Cleanup failures are logged and never mask the
// original step error. Cleanup does not run on cancellation.
type CleanupSpec struct {
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params,omitempty"`
}
