package api

import "context"

// ActionType tags the action carried by a scheduling decision.
type ActionType string

const (
	ActionExecuteStep ActionType = "execute_step"
	ActionRetryStep   ActionType = "retry_step"
	ActionWaitHuman   ActionType = "wait_for_human"
	ActionComplete    ActionType = "complete"
	ActionAbort       ActionType = "abort"
)

// Action is the single next thing the orchestration loop should do.
type Action struct {
	Type ActionType `json:"type"`

	// Step names the target step for execute_step, retry_step and
	// wait_for_human actions.
	Step string `json:"step,omitempty"`

	// Context is free-form failure context supplied with retry_step so the
	// next attempt can self-correct.
	Context string `json:"context,omitempty"`
}

// Decision is the tagged structure a decision authority returns to the loop.
type Decision struct {
	Status    string `json:"status,omitempty"`
	Action    Action `json:"action"`
	Rationale string `json:"rationale,omitempty"`
}

// Decider chooses the next action for a run. The loop calls it exactly once
// per iteration with the freshly persisted run state.
//
// A Decider must not mutate the run or the definition. An error return, or a
// decision with an unrecognized action type, is retried up to the run's
// retry bound before the run is forced to failed; the loop never acts on an
// action it does not recognize.
type Decider interface {
	Decide(ctx context.Context, def *Definition, run *Run) (Decision, error)
}

// DeciderFunc adapts a function to the Decider interface. It is the adapter
// used for delegated (non-rule-based) decision strategies.
type DeciderFunc func(ctx context.Context, def *Definition, run *Run) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, def *Definition, run *Run) (Decision, error) {
	return f(ctx, def, run)
}
