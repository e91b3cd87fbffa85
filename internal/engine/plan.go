package engine

import (
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

// Plan is the in-memory execution graph built from a WorkflowDefinition.
// It resolves effective dependencies, detects cycles, and groups steps into
// parallel execution levels.
type Plan struct {
	Steps   map[string]*schema.StepDefinition // step name -> definition
	Edges   map[string][]string               // step name -> effective dependencies
	Reverse map[string][]string               // step name -> dependents
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // parallel execution levels
	Order   []string                          // declaration order
}

// BuildPlan parses a WorkflowDefinition into an executable Plan.
//
// Effective dependencies per step: an explicit depends_on list wins; a step
// marked independent has none; otherwise the step implicitly depends on the
// step declared immediately before it, so a plain step list runs sequentially.
func BuildPlan(def *schema.WorkflowDefinition) (*Plan, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	plan := &Plan{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
		Order:   make([]string, 0, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty name", i))
		}
		if _, exists := plan.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name)
		}
		if step.Capability == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no capability", step.Name)
		}

		plan.Steps[step.Name] = step
		plan.Order = append(plan.Order, step.Name)
	}

	// Second pass: resolve effective dependencies.
	for i := range def.Steps {
		step := &def.Steps[i]
		deps := effectiveDeps(def, i)

		seen := make(map[string]bool, len(deps))
		resolved := make([]string, 0, len(deps))
		for _, dep := range deps {
			if _, exists := plan.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", step.Name, dep)
			}
			if dep == step.Name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.Name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", step.Name, dep)
			}
			seen[dep] = true
			resolved = append(resolved, dep)
			plan.Reverse[dep] = append(plan.Reverse[dep], step.Name)
		}
		plan.Edges[step.Name] = resolved
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(plan.Steps))
	for name := range plan.Steps {
		inDegree[name] = len(plan.Edges[name])
	}

	queue := make([]string, 0)
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	plan.Roots = make([]string, len(queue))
	copy(plan.Roots, queue)

	sorted := make([]string, 0, len(plan.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(plan.Reverse[node]))
		copy(dependents, plan.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(plan.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
	}

	plan.Sorted = sorted
	plan.Levels = computeLevels(plan)

	return plan, nil
}

// effectiveDeps returns the dependency list for the step at index i.
func effectiveDeps(def *schema.WorkflowDefinition, i int) []string {
	step := &def.Steps[i]
	if len(step.DependsOn) > 0 {
		return step.DependsOn
	}
	if step.Independent || i == 0 {
		return nil
	}
	return []string{def.Steps[i-1].Name}
}

// computeLevels groups steps into parallel execution levels. Steps at the
// same level have all dependencies satisfied by previous levels.
func computeLevels(plan *Plan) [][]string {
	depth := make(map[string]int, len(plan.Steps))

	for _, name := range plan.Sorted {
		maxDep := -1
		for _, dep := range plan.Edges[name] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[name] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range plan.Sorted {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}

	return levels
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
