package loom

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/isolation"
	"github.com/loomworks/loom/internal/progress"
	"github.com/loomworks/loom/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator         = api.Orchestrator
	Definition           = api.Definition
	Settings             = api.Settings
	Step                 = api.Step
	Run                  = api.Run
	RunFilter            = api.RunFilter
	RunStatus            = api.RunStatus
	StepStatus           = api.StepStatus
	StepType             = api.StepType
	StepAttempt          = api.StepAttempt
	Checkpoint           = api.Checkpoint
	MergePolicy          = api.MergePolicy
	TimeoutAction        = api.TimeoutAction
	Workspace            = api.Workspace
	Instruction          = api.Instruction
	Result               = api.Result
	Invoker              = api.Invoker
	InvokerFunc          = api.InvokerFunc
	Decider              = api.Decider
	DeciderFunc          = api.DeciderFunc
	Decision             = api.Decision
	Action               = api.Action
	ActionType           = api.ActionType
	Event                = api.Event
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export run status values for convenience.

const (
	RunPending   = api.RunPending
	RunRunning   = api.RunRunning
	RunPaused    = api.RunPaused
	RunCompleted = api.RunCompleted
	RunFailed    = api.RunFailed
	RunCancelled = api.RunCancelled
)

// Re-export step types for convenience.

const (
	StepSequential  = api.StepSequential
	StepParallel    = api.StepParallel
	StepConditional = api.StepConditional
	StepRecurring   = api.StepRecurring
	StepHuman       = api.StepHuman
)

// Re-export step status values.

const (
	StepPending   = api.StepPending
	StepRunning   = api.StepRunning
	StepCompleted = api.StepCompleted
	StepFailed    = api.StepFailed
	StepSkipped   = api.StepSkipped
)

// Re-export decision action types for custom Deciders.

const (
	ActionExecuteStep = api.ActionExecuteStep
	ActionRetryStep   = api.ActionRetryStep
	ActionWaitHuman   = api.ActionWaitHuman
	ActionComplete    = api.ActionComplete
	ActionAbort       = api.ActionAbort
)

// Options configures an orchestrator beyond its store and invoker.
type Options struct {
	// RepoRoot enables workspace isolation for parallel steps. Leave empty
	// to run branches in place without isolation.
	RepoRoot string

	// Decider overrides the default dependency-order scheduling policy.
	Decider Decider

	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryOrchestrator returns an Orchestrator backed entirely by an
// in-memory progress store. Runs do not survive the process.
func NewInMemoryOrchestrator(inv Invoker, opts Options) (*engine.Engine, error) {
	return newEngine(progress.NewMemoryStore(), inv, opts)
}

// NewSQLiteOrchestrator returns an Orchestrator that persists run progress
// in a SQLite database, so runs survive process restarts and can be resumed.
func NewSQLiteOrchestrator(db *sql.DB, inv Invoker, opts Options) (*engine.Engine, error) {
	store, err := progress.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, inv, opts)
}

func newEngine(store progress.Store, inv Invoker, opts Options) (*engine.Engine, error) {
	var iso *isolation.Manager
	if opts.RepoRoot != "" {
		iso = isolation.NewManager(opts.RepoRoot, opts.Logger)
	}
	return engine.New(engine.Config{
		Store:     store,
		Invoker:   inv,
		Isolation: iso,
		Decider:   opts.Decider,
		Observer:  opts.Observer,
		Logger:    opts.Logger,
	})
}

// Definition loading

// ParseDefinition parses a YAML workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	return definition.Parse(data)
}

// ParseDefinitionFile reads and parses a YAML workflow definition file.
func ParseDefinitionFile(path string) (*Definition, error) {
	return definition.ParseFile(path)
}

// Convenience helpers that just forward to the underlying Orchestrator.

// Start creates a new run for def and drives it until it terminates or
// pauses for input.
func Start(ctx context.Context, o Orchestrator, def *Definition, vars map[string]any) (*Run, error) {
	return o.Start(ctx, def, vars)
}

// Resume continues a persisted run from its last durable state.
func Resume(ctx context.Context, o Orchestrator, runID string) (*Run, error) {
	return o.Resume(ctx, runID)
}

// Status fetches the persisted state of a run by ID.
func Status(ctx context.Context, o Orchestrator, runID string) (*Run, error) {
	return o.Status(ctx, runID)
}
