package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/pkg/api"
)

// runLoop is the single-threaded decision loop. Each iteration reloads the
// persisted run, asks the decider for the next action, dispatches it, and
// persists the outcome before the next decision. The loop exits when the
// run reaches a terminal status or pauses for external input.
func (e *Engine) runLoop(ctx context.Context, def *api.Definition, runID string) (*api.Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(runID, cancel)
	defer e.unregisterCancel(runID)

	maxDecisionRetries := def.Settings.MaxRetries
	if maxDecisionRetries <= 0 {
		maxDecisionRetries = api.DefaultMaxRetries
	}
	badDecisions := 0

	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.CancelRequested {
			return e.finishCancelled(ctx, def, run)
		}

		dec, err := e.decider.Decide(runCtx, def, run)
		if err == nil {
			err = validateDecision(def, run, dec)
		}
		if err != nil {
			badDecisions++
			e.logger.Warn("invalid decision", "run", runID, "attempt", badDecisions, "error", err)
			e.tracker.Event(ctx, runID, api.EventDecision, api.LevelWarning, "", "invalid: "+err.Error())
			if badDecisions > maxDecisionRetries {
				return e.failRun(ctx, runID, "", fmt.Errorf("decision retries exhausted: %w", err))
			}
			continue
		}
		badDecisions = 0

		e.obs.OnDecision(ctx, run, dec)
		e.tracker.Event(ctx, runID, api.EventDecision, api.LevelInfo, dec.Action.Step,
			fmt.Sprintf("%s: %s", dec.Action.Type, dec.Rationale))

		switch dec.Action.Type {
		case api.ActionComplete:
			return e.finishRun(ctx, runID, api.RunCompleted)

		case api.ActionAbort:
			return e.failRun(ctx, runID, dec.Action.Step, errors.New(dec.Rationale))

		case api.ActionWaitHuman:
			return e.pauseRun(ctx, runID, dec.Rationale)

		case api.ActionExecuteStep, api.ActionRetryStep:
			step, _ := findStep(def.Steps, dec.Action.Step)
			err := e.executeStep(runCtx, def, runID, step, nil, dec.Action.Context)
			if err != nil {
				if run, cerr := e.store.GetRun(ctx, runID); cerr == nil && (run.CancelRequested || runCtx.Err() != nil) {
					return e.finishCancelled(ctx, def, run)
				}
				if api.Classify(err) == api.ClassBlocking {
					var blk *api.BlockingError
					prompt := ""
					if errors.As(err, &blk) {
						prompt = blk.Prompt
					}
					return e.pauseRun(ctx, runID, prompt)
				}
				return e.failRun(ctx, runID, step.Name, err)
			}
		}
	}
}

// validateDecision rejects actions the loop cannot dispatch. Invalid
// decisions are retried up to the retry bound, then the run is failed.
func validateDecision(def *api.Definition, run *api.Run, dec api.Decision) error {
	switch dec.Action.Type {
	case api.ActionComplete, api.ActionAbort, api.ActionWaitHuman:
		return nil
	case api.ActionExecuteStep:
		step, ok := findStep(def.Steps, dec.Action.Step)
		if !ok {
			return fmt.Errorf("unknown step %q", dec.Action.Step)
		}
		if run.StepStatus[step.Name] == api.StepCompleted {
			return fmt.Errorf("step %q already completed", step.Name)
		}
		return nil
	case api.ActionRetryStep:
		step, ok := findStep(def.Steps, dec.Action.Step)
		if !ok {
			return fmt.Errorf("unknown step %q", dec.Action.Step)
		}
		if run.StepStatus[step.Name] != api.StepFailed {
			return fmt.Errorf("step %q is not failed, cannot retry", step.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", dec.Action.Type)
	}
}

func findStep(steps []api.Step, name string) (api.Step, bool) {
	for _, s := range steps {
		if s.Name == name {
			return s, true
		}
	}
	return api.Step{}, false
}

func (e *Engine) finishRun(ctx context.Context, runID string, status api.RunStatus) (*api.Run, error) {
	run, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		r.Status = status
		r.Prompt = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.OnRunFinished(ctx, run)
	e.tracker.Event(ctx, runID, api.EventRunCompleted, api.LevelInfo, "", "")
	return run, nil
}

func (e *Engine) failRun(ctx context.Context, runID, step string, cause error) (*api.Run, error) {
	run, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		r.Status = api.RunFailed
		r.FailedStep = step
		r.Errors = append(r.Errors, cause.Error())
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.OnRunFinished(ctx, run)
	e.tracker.Event(ctx, runID, api.EventRunFailed, api.LevelCritical, step,
		fmt.Sprintf("%s: %s", api.Classify(cause), cause.Error()))
	return run, nil
}

func (e *Engine) pauseRun(ctx context.Context, runID, prompt string) (*api.Run, error) {
	run, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		r.Status = api.RunPaused
		if prompt != "" {
			r.Prompt = prompt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.obs.OnRunFinished(ctx, run)
	e.tracker.Event(ctx, runID, api.EventRunPaused, api.LevelInfo, "", prompt)
	return run, nil
}

func (e *Engine) finishCancelled(ctx context.Context, def *api.Definition, run *api.Run) (*api.Run, error) {
	run, err := e.tracker.Mutate(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The run is terminal now, so the sweep reclaims its sandboxes without
	// touching those of other in-flight runs.
	e.pruneOrphans(ctx, def)
	e.obs.OnRunFinished(ctx, run)
	e.tracker.Event(ctx, run.ID, api.EventRunCancelled, api.LevelWarning, "", "")
	return run, nil
}
