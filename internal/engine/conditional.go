package engine

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

// execConditional evaluates the step's condition against accumulated
// variables and outputs, runs the chosen branch, and marks every step of
// the untaken branch skipped. An evaluation error fails the step; it never
// silently skips.
func (e *Engine) execConditional(ctx context.Context, ec *stepContext) (string, error) {
	run, err := e.store.GetRun(ctx, ec.run)
	if err != nil {
		return "", err
	}

	result, err := definition.Evaluate(ec.step.Condition, evalVars(run))
	if err != nil {
		return "", api.Fatal(fmt.Errorf("evaluating condition %q: %w", ec.step.Condition, err))
	}

	taken, untaken := ec.step.Then, ec.step.Else
	branch := "then"
	if !result {
		taken, untaken = ec.step.Else, ec.step.Then
		branch = "else"
	}

	for _, s := range untaken {
		e.markSkippedTree(ctx, ec.run, s, "branch not taken")
	}
	for _, s := range taken {
		if run.StepStatus[s.Name] == api.StepCompleted {
			continue
		}
		if err := e.executeStep(ctx, ec.def, ec.run, s, ec.ws, ""); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf(`{"condition":%t,"branch":%q}`, result, branch), nil
}

func (e *Engine) markSkippedTree(ctx context.Context, runID string, step api.Step, reason string) {
	e.tracker.MarkSkipped(ctx, runID, step.Name, reason)
	for _, s := range step.Steps {
		e.markSkippedTree(ctx, runID, s, reason)
	}
	for _, s := range step.Then {
		e.markSkippedTree(ctx, runID, s, reason)
	}
	for _, s := range step.Else {
		e.markSkippedTree(ctx, runID, s, reason)
	}
}
