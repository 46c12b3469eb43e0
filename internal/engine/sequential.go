package engine

import (
	"context"
	"errors"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

// execSequential renders the step instruction against the run's variables
// and outputs, then hands it to the external invoker. A transport-level
// invoker error is transient; a delivered-but-failed result is recoverable
// with the result's error forwarded as context for the next attempt.
func (e *Engine) execSequential(ctx context.Context, ec *stepContext) (string, error) {
	run, err := e.store.GetRun(ctx, ec.run)
	if err != nil {
		return "", err
	}

	instr := api.Instruction{
		Step:           ec.step.Name,
		Text:           definition.Render(ec.step.Instruction, evalVars(run)),
		FailureContext: ec.failureContext,
	}

	timeout := ec.def.Settings.StepTimeout
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.invoker.Invoke(ictx, instr, ec.ws, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", api.Transient(errors.New("invocation timed out"))
		}
		return "", api.Transient(err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "invocation reported failure"
		}
		return "", api.Recoverable(errors.New(msg), msg)
	}
	return res.Output, nil
}
