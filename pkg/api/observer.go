package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration loop for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay the loop.
type Observer interface {
	// OnRunStart is called once when a run is first started, before the
	// first decision is evaluated.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunFinished is called when a run reaches any terminal status, and
	// when it pauses for human input.
	OnRunFinished(ctx context.Context, run *Run)

	// OnStepStart is called before a step attempt is dispatched.
	OnStepStart(ctx context.Context, run *Run, step string, attempt int)

	// OnStepCompleted is called after a step attempt finishes, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, step string, attempt int, err error, duration time.Duration)

	// OnDecision is called after the decision authority returns, before the
	// action is dispatched.
	OnDecision(ctx context.Context, run *Run, dec Decision)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                          {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *Run)                       {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, step string, attempt int) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, step string, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnDecision(ctx context.Context, run *Run, dec Decision) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, step string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, step, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, step string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, attempt, err, d)
	}
}

func (c *CompositeObserver) OnDecision(ctx context.Context, run *Run, dec Decision) {
	for _, o := range c.observers {
		o.OnDecision(ctx, run, dec)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *Run) {
	level := slog.LevelInfo
	if run.Status == RunFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "run_finished",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.String("failed_step", run.FailedStep),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, step string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, step string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnDecision(ctx context.Context, run *Run, dec Decision) {
	o.Logger.DebugContext(ctx, "decision",
		slog.String("run_id", run.ID),
		slog.String("action", string(dec.Action.Type)),
		slog.String("step", dec.Action.Step),
		slog.String("rationale", dec.Rationale),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted    atomic.Int64
	runsCompleted  atomic.Int64
	runsFailed     atomic.Int64
	stepsCompleted atomic.Int64
	stepRetries    atomic.Int64
	totalStepTime  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	InFlightRuns  int64

	StepsCompleted  int64
	StepRetries     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *Run) {
	switch run.Status {
	case RunCompleted:
		m.runsCompleted.Add(1)
	case RunFailed, RunCancelled:
		m.runsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, step string, attempt int, err error, d time.Duration) {
	if attempt > 1 {
		m.stepRetries.Add(1)
	}
	// Only count successful attempts for the duration average.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepTime.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepTime.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:   started,
		RunsCompleted: completed,
		RunsFailed:    failed,
		InFlightRuns:  started - completed - failed,

		StepsCompleted:  steps,
		StepRetries:     m.stepRetries.Load(),
		AvgStepDuration: avg,
	}
}
