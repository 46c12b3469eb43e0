package engine

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

// execRecurring runs the nested steps up to max_iterations times, checking
// the until condition after every pass. Meeting the condition stops early;
// exhausting the budget without meeting it still completes the step, with
// the iteration count and condition state recorded in the output.
func (e *Engine) execRecurring(ctx context.Context, ec *stepContext) (string, error) {
	maxIter := ec.step.MaxIterations
	satisfied := false
	used := 0

	for iter := 1; iter <= maxIter; iter++ {
		used = iter
		for _, s := range ec.step.Steps {
			if err := e.executeStep(ctx, ec.def, ec.run, s, ec.ws, ""); err != nil {
				return "", err
			}
		}

		run, err := e.store.GetRun(ctx, ec.run)
		if err != nil {
			return "", err
		}
		vars := evalVars(run)
		vars["iteration"] = iter

		done, err := definition.Evaluate(ec.step.Until, vars)
		if err != nil {
			return "", api.Fatal(fmt.Errorf("evaluating until %q: %w", ec.step.Until, err))
		}
		if done {
			satisfied = true
			break
		}
	}

	return fmt.Sprintf(`{"iterations":%d,"satisfied":%t}`, used, satisfied), nil
}
