package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

// execHuman pauses the run with the step's prompt and waits for input
// delivered through ProvideInput. Without a wait timeout the step blocks
// and the loop exits, leaving the run paused until someone resumes it.
// With a timeout it polls until the deadline, then applies the step's
// timeout action: abort fails the step, continue completes it with the
// timeout recorded as a checkpoint.
func (e *Engine) execHuman(ctx context.Context, ec *stepContext) (string, error) {
	run, err := e.store.GetRun(ctx, ec.run)
	if err != nil {
		return "", err
	}
	prompt := definition.Render(ec.step.Prompt, evalVars(run))

	// Input may already be waiting, typically right after a resume.
	if input, ok, err := e.takeInput(ctx, ec.run); err != nil {
		return "", err
	} else if ok {
		return e.applyInput(ctx, ec, prompt, input)
	}

	if _, err := e.pauseRun(ctx, ec.run, prompt); err != nil {
		return "", err
	}

	if ec.step.WaitTimeout <= 0 {
		return "", api.Blocking(prompt)
	}

	poll := ec.step.PollInterval
	if poll <= 0 {
		poll = api.DefaultPollInterval
	}
	deadline := time.NewTimer(ec.step.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return e.timedOut(ctx, ec)
		case <-tick.C:
			input, ok, err := e.takeInput(ctx, ec.run)
			if err != nil {
				return "", err
			}
			if ok {
				return e.applyInput(ctx, ec, prompt, input)
			}
		}
	}
}

// takeInput atomically consumes pending input if any has arrived.
func (e *Engine) takeInput(ctx context.Context, runID string) (string, bool, error) {
	var input string
	_, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		input = r.PendingInput
		if input != "" {
			r.PendingInput = ""
			r.Prompt = ""
			r.Status = api.RunRunning
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return input, input != "", nil
}

// applyInput validates the received input through a fresh invoker call
// before the step may complete. A rejected input is a recoverable failure,
// so the attempt loop re-prompts with the rejection as context.
func (e *Engine) applyInput(ctx context.Context, ec *stepContext, prompt, input string) (string, error) {
	instr := api.Instruction{
		Step:           ec.step.Name,
		Text:           fmt.Sprintf("%s\n\nReceived input:\n%s", prompt, input),
		FailureContext: ec.failureContext,
	}
	res, err := e.invoker.Invoke(ctx, instr, ec.ws, ec.def.Settings.StepTimeout)
	if err != nil {
		return "", api.Transient(err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "input rejected"
		}
		return "", api.Recoverable(errors.New(msg), msg)
	}
	if res.Output != "" {
		return res.Output, nil
	}
	return input, nil
}

func (e *Engine) timedOut(ctx context.Context, ec *stepContext) (string, error) {
	_, err := e.tracker.Mutate(ctx, ec.run, func(r *api.Run) error {
		r.Prompt = ""
		r.Status = api.RunRunning
		return nil
	})
	if err != nil {
		return "", err
	}

	action := ec.step.OnTimeout
	if action == "" {
		action = api.TimeoutAbort
	}
	if action == api.TimeoutContinue {
		note := fmt.Sprintf("no input within %s, continuing", ec.step.WaitTimeout)
		e.tracker.AddCheckpoint(ctx, ec.run, ec.step.Name, note)
		return note, nil
	}
	return "", api.Fatal(fmt.Errorf("no input within %s", ec.step.WaitTimeout))
}
