package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/api"
)

const (
	// DefaultMaxOutputBytes caps the structured output accepted into the run
	// document. Larger artifacts are spilled to disk and referenced by path.
	DefaultMaxOutputBytes = 10 * 1024

	// summaryBytes is how much of an oversized output is kept inline.
	summaryBytes = 1024

	defaultLeaseTTL = 30 * time.Second
)

// Tracker wraps a Store with the run-document mutation discipline: every
// change happens inside an exclusive lease held for the duration of one
// read-modify-write, so writes from concurrent parallel branches serialize
// and none is lost or partially visible.
type Tracker struct {
	store    Store
	owner    string
	leaseTTL time.Duration

	// mu serializes same-process writers. The lease is re-entrant for one
	// owner, so it only fences off other processes.
	mu sync.Mutex

	// SpillDir receives step outputs that exceed MaxOutputBytes.
	SpillDir string

	// MaxOutputBytes overrides DefaultMaxOutputBytes when > 0.
	MaxOutputBytes int
}

// NewTracker creates a Tracker with a unique lease owner identity.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:    store,
		owner:    "loom-" + uuid.NewString(),
		leaseTTL: defaultLeaseTTL,
		SpillDir: filepath.Join(os.TempDir(), "loom-spill"),
	}
}

// Store exposes the underlying store for read-only access.
func (t *Tracker) Store() Store { return t.store }

// NewRun initializes and persists a run for def with every step pending.
// vars overrides the definition's variable defaults.
func (t *Tracker) NewRun(ctx context.Context, def *api.Definition, vars map[string]any) (*api.Run, error) {
	merged := make(map[string]any, len(def.Variables)+len(vars))
	for k, v := range def.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	statuses := make(map[string]api.StepStatus)
	for _, name := range def.StepNames() {
		statuses[name] = api.StepPending
	}

	now := time.Now()
	run := &api.Run{
		ID:         uuid.NewString(),
		Workflow:   def.Name,
		Status:     api.RunPending,
		Variables:  merged,
		StepStatus: statuses,
		Outputs:    make(map[string]string),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// Mutate loads the run under its exclusive lease, applies fn, and persists
// the result. The lease is held only for the critical section. If the lease
// is contended, Mutate waits until it frees or ctx is done.
func (t *Tracker) Mutate(ctx context.Context, runID string, fn func(run *api.Run) error) (*api.Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.acquire(ctx, runID); err != nil {
		return nil, err
	}
	defer func() { _ = t.store.ReleaseLease(context.WithoutCancel(ctx), runID, t.owner) }()

	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now()
	if err := t.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (t *Tracker) acquire(ctx context.Context, runID string) error {
	for {
		ok, err := t.store.TryAcquireLease(ctx, runID, t.owner, t.leaseTTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// MarkStarted flips the live status of step to running and records the
// start event. The attempt record itself is appended only when the attempt
// finishes, so history entries stay immutable once written.
func (t *Tracker) MarkStarted(ctx context.Context, runID, step string) (*api.Run, error) {
	run, err := t.Mutate(ctx, runID, func(run *api.Run) error {
		run.StepStatus[step] = api.StepRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.event(ctx, runID, api.EventStepStarted, api.LevelInfo, step, "")
	return run, nil
}

// MarkCompleted appends a completed attempt for step and stores its output,
// capped to MaxOutputBytes with the full artifact spilled to disk.
func (t *Tracker) MarkCompleted(ctx context.Context, runID, step string, startedAt time.Time, output string) (*api.Run, error) {
	summary, ref, err := t.capOutput(runID, step, output)
	if err != nil {
		return nil, err
	}

	run, err := t.Mutate(ctx, runID, func(run *api.Run) error {
		run.History = append(run.History, api.StepAttempt{
			Step:       step,
			Attempt:    run.Attempts(step) + 1,
			Status:     api.StepCompleted,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Output:     summary,
			OutputRef:  ref,
		})
		run.StepStatus[step] = api.StepCompleted
		run.Outputs[step] = summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.event(ctx, runID, api.EventStepCompleted, api.LevelInfo, step, "")
	return run, nil
}

// MarkFailed appends a failed attempt for step. The live status map only
// moves to failed when terminal is true (retries exhausted); otherwise the
// step returns to pending so it can be retried.
func (t *Tracker) MarkFailed(ctx context.Context, runID, step, errMsg string, startedAt time.Time, terminal bool) (*api.Run, error) {
	run, err := t.Mutate(ctx, runID, func(run *api.Run) error {
		run.History = append(run.History, api.StepAttempt{
			Step:       step,
			Attempt:    run.Attempts(step) + 1,
			Status:     api.StepFailed,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Error:      errMsg,
		})
		if terminal {
			run.StepStatus[step] = api.StepFailed
		} else {
			run.StepStatus[step] = api.StepPending
		}
		run.Errors = append(run.Errors, fmt.Sprintf("%s: %s", step, errMsg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	level := api.LevelWarning
	if terminal {
		level = api.LevelError
	}
	t.event(ctx, runID, api.EventStepFailed, level, step, errMsg)
	return run, nil
}

// MarkSkipped records an explicit scheduling decision to skip a step
// (untaken conditional branch, or a resume-time skip).
func (t *Tracker) MarkSkipped(ctx context.Context, runID, step, reason string) (*api.Run, error) {
	run, err := t.Mutate(ctx, runID, func(run *api.Run) error {
		run.StepStatus[step] = api.StepSkipped
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.event(ctx, runID, api.EventStepSkipped, api.LevelInfo, step, reason)
	return run, nil
}

// AddCheckpoint attaches an advisory note to the run. Checkpoints never
// drive control flow.
func (t *Tracker) AddCheckpoint(ctx context.Context, runID, step, note string) error {
	_, err := t.Mutate(ctx, runID, func(run *api.Run) error {
		run.Checkpoints = append(run.Checkpoints, api.Checkpoint{
			Step: step,
			At:   time.Now(),
			Note: note,
		})
		return nil
	})
	return err
}

// Event appends a classified history event; append failures are swallowed
// since history is advisory relative to the run document.
func (t *Tracker) Event(ctx context.Context, runID string, typ api.EventType, level api.EventLevel, step, detail string) {
	t.event(ctx, runID, typ, level, step, detail)
}

func (t *Tracker) event(ctx context.Context, runID string, typ api.EventType, level api.EventLevel, step, detail string) {
	_ = t.store.AppendEvent(ctx, api.Event{
		RunID:  runID,
		At:     time.Now(),
		Type:   typ,
		Level:  level,
		Step:   step,
		Detail: detail,
	})
}

func (t *Tracker) maxOutput() int {
	if t.MaxOutputBytes > 0 {
		return t.MaxOutputBytes
	}
	return DefaultMaxOutputBytes
}

// capOutput enforces the output size cap. Oversized outputs are written in
// full to the spill directory and summarized inline.
func (t *Tracker) capOutput(runID, step, output string) (summary, ref string, err error) {
	if len(output) <= t.maxOutput() {
		return output, "", nil
	}

	if err := os.MkdirAll(t.SpillDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create spill dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%d.out", runID, step, time.Now().UnixNano())
	path := filepath.Join(t.SpillDir, name)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", "", fmt.Errorf("spill step output: %w", err)
	}

	cut := summaryBytes
	if cut > len(output) {
		cut = len(output)
	}
	return output[:cut] + "\n...[truncated]", path, nil
}
