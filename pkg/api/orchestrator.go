package api

import "context"

// Orchestrator is the high-level control surface over the engine. Every
// operation maps 1:1 to a core primitive: start a new run, reload and
// continue a persisted run, request cancellation, read status.
type Orchestrator interface {
	// Start creates a new run for def, persists it, and drives the
	// orchestration loop until the run reaches a terminal status or pauses.
	// vars overrides the definition's variable defaults.
	Start(ctx context.Context, def *Definition, vars map[string]any) (*Run, error)

	// Resume reloads a persisted run and continues its loop from the last
	// iteration boundary. Completed steps are never re-dispatched; steps
	// left running by a crashed process are demoted to pending first.
	Resume(ctx context.Context, runID string) (*Run, error)

	// Cancel requests cooperative cancellation of a run. The loop stops new
	// dispatch, in-flight work gets a bounded grace period, and the run is
	// persisted as cancelled.
	Cancel(ctx context.Context, runID string) error

	// Status returns the current persisted state of a run.
	Status(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs matching the filter.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ProvideInput delivers externally supplied input to a paused run. The
	// waiting step picks it up on its next poll and validates it through a
	// fresh invoker call before completing.
	ProvideInput(ctx context.Context, runID, input string) error
}
