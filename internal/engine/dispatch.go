package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// executeStep runs one step subtree through its attempt loop. Retries are
// bounded by max_retries+1 attempts per invocation; the bound counts this
// invocation's attempts, so a later re-execution (a recurring iteration or
// a delegated retry decision) gets a fresh budget.
//
// Error handling follows the error class:
//   - transient errors retry the attempt as-is
//   - recoverable errors retry with the failure context forwarded
//   - fatal errors fail the step immediately
//   - blocking errors propagate so the loop can pause the run
func (e *Engine) executeStep(ctx context.Context, def *api.Definition, runID string, step api.Step, ws *api.Workspace, extraContext string) error {
	maxAttempts := maxAttemptsFor(def, step)

	var failureContext []string
	if extraContext != "" {
		failureContext = append(failureContext, extraContext)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			e.tracker.MarkFailed(ctx, runID, step.Name, err.Error(), time.Now(), true)
			return err
		}

		started := time.Now()
		run, err := e.tracker.MarkStarted(ctx, runID, step.Name)
		if err != nil {
			return err
		}
		e.obs.OnStepStart(ctx, run, step.Name, attempt)
		if attempt > 1 {
			e.tracker.Event(ctx, runID, api.EventStepRetried, api.LevelWarning, step.Name, "")
		}

		output, execErr := e.dispatch(ctx, &stepContext{
			def:            def,
			run:            runID,
			step:           step,
			ws:             ws,
			failureContext: failureContext,
			attempt:        attempt,
		})

		if execErr == nil {
			run, err = e.tracker.MarkCompleted(ctx, runID, step.Name, started, output)
			if err != nil {
				return err
			}
			e.obs.OnStepCompleted(ctx, run, step.Name, attempt, nil, time.Since(started))
			return nil
		}

		class := api.Classify(execErr)
		if class == api.ClassBlocking {
			// Usually not a failure: the step goes back to pending and
			// re-executes on resume. A handler may have already marked the
			// step failed before blocking (merge conflicts do); keep that.
			e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
				if r.StepStatus[step.Name] == api.StepRunning {
					r.StepStatus[step.Name] = api.StepPending
				}
				return nil
			})
			return execErr
		}

		terminal := class == api.ClassFatal || attempt == maxAttempts
		run, err = e.tracker.MarkFailed(ctx, runID, step.Name, execErr.Error(), started, terminal)
		if err != nil {
			return err
		}
		e.obs.OnStepCompleted(ctx, run, step.Name, attempt, execErr, time.Since(started))
		if terminal {
			return execErr
		}

		e.logger.Warn("step attempt failed",
			"run", runID, "step", step.Name, "attempt", attempt, "class", class, "error", execErr)
		if class == api.ClassRecoverable {
			failureContext = append(failureContext, api.FailureContext(execErr))
		}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, ec *stepContext) (string, error) {
	h, ok := e.handlers[ec.step.Type]
	if !ok {
		return "", api.Fatal(&api.ParseError{Field: ec.step.Name, Reason: "no handler for step type " + string(ec.step.Type)})
	}
	return h(ctx, ec)
}

// maxAttemptsFor resolves the attempt budget: per-step override first, then
// run settings, then the default.
func maxAttemptsFor(def *api.Definition, step api.Step) int {
	retries := def.Settings.MaxRetries
	if retries <= 0 {
		retries = api.DefaultMaxRetries
	}
	if step.MaxRetries != nil {
		retries = *step.MaxRetries
	}
	if retries < 0 {
		retries = 0
	}
	return retries + 1
}

// evalVars builds the evaluation scope for conditions and instruction
// templates: run variables at the top level plus completed step outputs
// under "outputs".
func evalVars(run *api.Run) map[string]any {
	vars := make(map[string]any, len(run.Variables)+1)
	for k, v := range run.Variables {
		vars[k] = v
	}
	outputs := make(map[string]any, len(run.Outputs))
	for k, v := range run.Outputs {
		outputs[k] = v
	}
	vars["outputs"] = outputs
	return vars
}
