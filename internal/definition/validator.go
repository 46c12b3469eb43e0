package definition

import (
	"fmt"

	"github.com/loomworks/loom/pkg/api"
)

// Validate checks a definition against the schema invariants: unique step
// names across all nesting levels, known type tags, the required fields of
// every variant, known dependencies, and an acyclic dependency graph. The
// first violated constraint is returned as an *api.ParseError.
func Validate(def *api.Definition) error {
	if def.Name == "" {
		return &api.ParseError{Field: "name", Reason: "workflow name is required"}
	}
	if len(def.Steps) == 0 {
		return &api.ParseError{Field: "steps", Reason: "workflow must have at least one step"}
	}

	seen := make(map[string]bool)
	if err := validateSteps(def.Steps, seen); err != nil {
		return err
	}

	// Dependencies may only name top-level steps; nested steps are scheduled
	// by their enclosing block, not by the dependency walk.
	topLevel := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		topLevel[s.Name] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !topLevel[dep] {
				return &api.ParseError{Field: s.Name, Reason: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
	}

	return checkCycles(def.Steps)
}

func validateSteps(steps []api.Step, seen map[string]bool) error {
	for i := range steps {
		if err := validateStep(&steps[i], seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *api.Step, seen map[string]bool) error {
	if s.Name == "" {
		return &api.ParseError{Field: "step", Reason: "step name is required"}
	}
	if seen[s.Name] {
		return &api.ParseError{Field: s.Name, Reason: "duplicate step name"}
	}
	seen[s.Name] = true

	switch s.Type {
	case api.StepSequential:
		if s.Instruction == "" {
			return &api.ParseError{Field: s.Name, Reason: "sequential step requires an instruction"}
		}

	case api.StepParallel:
		if len(s.Steps) == 0 {
			return &api.ParseError{Field: s.Name, Reason: "parallel step requires a non-empty step list"}
		}
		switch s.Merge {
		case "", api.MergeWaitAll:
		case api.MergeSequential:
			if s.OnConflict == "" {
				return &api.ParseError{Field: s.Name, Reason: "sequential_merge requires on_conflict"}
			}
		default:
			return &api.ParseError{Field: s.Name, Reason: fmt.Sprintf("unknown merge policy %q", s.Merge)}
		}

	case api.StepConditional:
		if s.Condition == "" {
			return &api.ParseError{Field: s.Name, Reason: "conditional step requires a condition"}
		}
		if len(s.Then) == 0 {
			return &api.ParseError{Field: s.Name, Reason: "conditional step requires a non-empty then branch"}
		}

	case api.StepRecurring:
		if len(s.Steps) == 0 {
			return &api.ParseError{Field: s.Name, Reason: "recurring step requires a non-empty step list"}
		}
		if s.MaxIterations <= 0 {
			return &api.ParseError{Field: s.Name, Reason: "recurring step requires max_iterations > 0"}
		}
		if s.Until == "" {
			return &api.ParseError{Field: s.Name, Reason: "recurring step requires an until predicate"}
		}

	case api.StepHuman:
		if s.Prompt == "" {
			return &api.ParseError{Field: s.Name, Reason: "human step requires a prompt"}
		}
		switch s.OnTimeout {
		case "", api.TimeoutAbort, api.TimeoutContinue:
		default:
			return &api.ParseError{Field: s.Name, Reason: fmt.Sprintf("unknown on_timeout action %q", s.OnTimeout)}
		}

	default:
		return &api.ParseError{Field: s.Name, Reason: fmt.Sprintf("unknown step type %q", s.Type)}
	}

	if err := validateSteps(s.Steps, seen); err != nil {
		return err
	}
	if err := validateSteps(s.Then, seen); err != nil {
		return err
	}
	return validateSteps(s.Else, seen)
}

// checkCycles walks the top-level dependency graph with the usual
// three-color DFS and reports the first cycle found.
func checkCycles(steps []api.Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		adj[s.Name] = s.DependsOn
	}

	color := make(map[string]int, len(steps))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return &api.ParseError{Field: name, Reason: "dependency cycle"}
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range adj[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}
