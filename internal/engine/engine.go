// Package engine contains the orchestration loop and the step executors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/isolation"
	"github.com/loomworks/loom/internal/progress"
	"github.com/loomworks/loom/pkg/api"
)

// Handler executes one step subtree and returns its output. The error's
// class (see api.Classify) controls how the attempt loop reacts.
type Handler func(ctx context.Context, ec *stepContext) (string, error)

// stepContext carries everything a handler needs for one attempt.
type stepContext struct {
	def  *api.Definition
	run  string // run ID
	step api.Step

	// ws is the isolation workspace for this subtree, nil outside parallel
	// branches.
	ws *api.Workspace

	// failureContext accumulates prior recoverable failures so the next
	// attempt can self-correct.
	failureContext []string

	attempt int
}

// Engine drives workflow runs: it owns the orchestration loop, dispatches
// step executors, and is the only component that transitions run status.
type Engine struct {
	tracker   *progress.Tracker
	store     progress.Store
	isolation *isolation.Manager
	invoker   api.Invoker
	decider   api.Decider
	obs       api.Observer
	logger    *slog.Logger

	handlers map[api.StepType]Handler

	regMu sync.RWMutex
	defs  map[string]*api.Definition

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

var _ api.Orchestrator = (*Engine)(nil)

// Config describes how to construct an Engine. Store and Invoker are
// required; everything else has working defaults.
type Config struct {
	Store     progress.Store
	Invoker   api.Invoker
	Isolation *isolation.Manager
	Decider   api.Decider
	Observer  api.Observer
	Logger    *slog.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("engine: invoker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	decider := cfg.Decider
	if decider == nil {
		decider = DependencyDecider{}
	}

	e := &Engine{
		tracker:   progress.NewTracker(cfg.Store),
		store:     cfg.Store,
		isolation: cfg.Isolation,
		invoker:   cfg.Invoker,
		decider:   decider,
		obs:       obs,
		logger:    logger,
		defs:      make(map[string]*api.Definition),
		cancels:   make(map[string]context.CancelFunc),
	}

	e.handlers = map[api.StepType]Handler{
		api.StepSequential:  e.execSequential,
		api.StepParallel:    e.execParallel,
		api.StepConditional: e.execConditional,
		api.StepRecurring:   e.execRecurring,
		api.StepHuman:       e.execHuman,
	}

	return e, nil
}

// RegisterHandler installs a handler for a custom step type tag. Built-in
// tags cannot be overridden.
func (e *Engine) RegisterHandler(tag api.StepType, h Handler) error {
	switch tag {
	case api.StepSequential, api.StepParallel, api.StepConditional, api.StepRecurring, api.StepHuman:
		return fmt.Errorf("engine: cannot override built-in step type %q", tag)
	}
	if h == nil {
		return errors.New("engine: nil handler")
	}
	e.handlers[tag] = h
	return nil
}

// Register stores a definition so a future Resume can find it by the run's
// workflow name.
func (e *Engine) Register(def *api.Definition) error {
	if def == nil || def.Name == "" {
		return errors.New("engine: definition with a name is required")
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.defs[def.Name] = def
	return nil
}

func (e *Engine) definition(name string) (*api.Definition, error) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	def, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown workflow %q", name)
	}
	return def, nil
}

// Start creates a new run for def and drives the loop until it terminates
// or pauses. Orphaned workspaces from prior crashed processes are pruned
// first.
func (e *Engine) Start(ctx context.Context, def *api.Definition, vars map[string]any) (*api.Run, error) {
	if err := e.Register(def); err != nil {
		return nil, err
	}
	e.pruneOrphans(ctx, def)

	run, err := e.tracker.NewRun(ctx, def, vars)
	if err != nil {
		return nil, err
	}

	run, err = e.tracker.Mutate(ctx, run.ID, func(r *api.Run) error {
		r.Status = api.RunRunning
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.obs.OnRunStart(ctx, run)
	e.tracker.Event(ctx, run.ID, api.EventRunStarted, api.LevelInfo, "", def.Name)

	return e.runLoop(ctx, def, run.ID)
}

// Resume reloads a persisted run and continues its loop. Completed steps
// are never re-dispatched; steps left running by a crashed process are
// demoted to pending first, as is a failed step in a paused run, whose
// failure was a blocking one awaiting exactly this intervention.
func (e *Engine) Resume(ctx context.Context, runID string) (*api.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("engine: cannot resume run %s in status %s", runID, run.Status)
	}

	def, err := e.definition(run.Workflow)
	if err != nil {
		return nil, err
	}

	e.pruneOrphans(ctx, def)

	paused := run.Status == api.RunPaused
	run, err = e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		for name, st := range r.StepStatus {
			switch {
			case st == api.StepRunning:
				r.StepStatus[name] = api.StepPending
			case paused && st == api.StepFailed:
				// A failed step inside a paused run got there through a
				// blocking failure, such as an unresolved merge conflict.
				// An explicit resume means someone intervened, so the step
				// runs again with a fresh attempt budget.
				r.StepStatus[name] = api.StepPending
			}
		}
		r.Status = api.RunRunning
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.tracker.Event(ctx, runID, api.EventRunResumed, api.LevelInfo, "", "")

	return e.runLoop(ctx, def, run.ID)
}

// Cancel requests cooperative cancellation: the loop stops dispatching at
// the next iteration boundary, and after the grace period any in-flight
// invocation is forcibly terminated through its context.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		if r.Status.Terminal() {
			return fmt.Errorf("engine: run %s already %s", runID, r.Status)
		}
		r.CancelRequested = true
		return nil
	})
	if err != nil {
		return err
	}

	grace := e.gracePeriod(run)
	e.cancelMu.Lock()
	cancel, inProcess := e.cancels[runID]
	e.cancelMu.Unlock()
	if inProcess {
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			<-timer.C
			cancel()
		}()
	}
	return nil
}

func (e *Engine) gracePeriod(run *api.Run) time.Duration {
	if def, err := e.definition(run.Workflow); err == nil && def.Settings.GracePeriod > 0 {
		return def.Settings.GracePeriod
	}
	return api.DefaultGracePeriod
}

// Status returns the persisted state of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*api.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// ProvideInput delivers externally supplied input to a paused run.
func (e *Engine) ProvideInput(ctx context.Context, runID, input string) error {
	_, err := e.tracker.Mutate(ctx, runID, func(r *api.Run) error {
		if r.Status != api.RunPaused {
			return fmt.Errorf("engine: run %s is %s, not paused", runID, r.Status)
		}
		r.PendingInput = input
		return nil
	})
	if err != nil {
		return err
	}
	e.tracker.Event(ctx, runID, api.EventInputReceived, api.LevelInfo, "", "")
	return nil
}

// AddCheckpoint attaches an advisory progress note to a run on behalf of a
// step. Checkpoints never drive control flow.
func (e *Engine) AddCheckpoint(ctx context.Context, runID, step, note string) error {
	return e.tracker.AddCheckpoint(ctx, runID, step, note)
}

// Events returns the append-only history of a run.
func (e *Engine) Events(ctx context.Context, runID string) ([]api.Event, error) {
	return e.store.ListEvents(ctx, runID)
}

// pruneOrphans sweeps workspaces abandoned by crashed processes. Sandboxes
// belonging to runs that are still live are spared, which covers the
// conflicted workspace a paused run keeps for manual resolution.
func (e *Engine) pruneOrphans(ctx context.Context, def *api.Definition) {
	if e.isolation == nil {
		return
	}
	runs, err := e.store.ListRuns(ctx, api.RunFilter{})
	if err != nil {
		e.logger.Warn("listing runs before workspace prune", "error", err)
		return
	}
	var live []string
	for _, r := range runs {
		if !r.Status.Terminal() {
			live = append(live, r.ID)
		}
	}
	keep := def != nil && def.Settings.KeepBranches
	e.isolation.PruneOrphaned(ctx, live, keep)
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[runID] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) unregisterCancel(runID string) {
	e.cancelMu.Lock()
	delete(e.cancels, runID)
	e.cancelMu.Unlock()
}
