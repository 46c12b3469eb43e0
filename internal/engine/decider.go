package engine

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/api"
)

// DependencyDecider is the default scheduling policy: dispatch the first
// pending top-level step whose dependencies have all completed, complete
// the run when every top-level step is terminal, and abort when pending
// steps remain but none can ever become dispatchable.
type DependencyDecider struct{}

var _ api.Decider = DependencyDecider{}

func (DependencyDecider) Decide(ctx context.Context, def *api.Definition, run *api.Run) (api.Decision, error) {
	pending := 0
	for _, step := range def.Steps {
		st := run.StepStatus[step.Name]
		if st == api.StepFailed {
			return api.Decision{
				Status:    "step failed",
				Action:    api.Action{Type: api.ActionAbort, Step: step.Name},
				Rationale: fmt.Sprintf("step %q failed with retries exhausted", step.Name),
			}, nil
		}
		if st.Terminal() {
			continue
		}
		pending++
		if depsSatisfied(run, step) {
			return api.Decision{
				Status:    "dispatch",
				Action:    api.Action{Type: api.ActionExecuteStep, Step: step.Name},
				Rationale: fmt.Sprintf("dependencies of %q satisfied", step.Name),
			}, nil
		}
	}

	if pending == 0 {
		return api.Decision{
			Status:    "all steps terminal",
			Action:    api.Action{Type: api.ActionComplete},
			Rationale: "every step reached a terminal state",
		}, nil
	}

	return api.Decision{
		Status:    "deadlock",
		Action:    api.Action{Type: api.ActionAbort},
		Rationale: fmt.Sprintf("%d pending steps with unsatisfiable dependencies", pending),
	}, nil
}

func depsSatisfied(run *api.Run, step api.Step) bool {
	for _, dep := range step.DependsOn {
		if run.StepStatus[dep] != api.StepCompleted {
			return false
		}
	}
	return true
}
