package progress

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

func testDefinition() *api.Definition {
	return &api.Definition{
		Name: "wf",
		Variables: map[string]any{
			"env": "staging",
		},
		Steps: []api.Step{
			{Name: "build", Type: api.StepSequential, Instruction: "build it"},
			{Name: "verify", Type: api.StepParallel, Steps: []api.Step{
				{Name: "lint", Type: api.StepSequential, Instruction: "lint it"},
				{Name: "test", Type: api.StepSequential, Instruction: "test it"},
			}},
		},
	}
}

func TestTracker_NewRun(t *testing.T) {
	tracker := NewTracker(NewMemoryStore())
	ctx := context.Background()

	run, err := tracker.NewRun(ctx, testDefinition(), map[string]any{"env": "prod", "extra": 1})
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if run.ID == "" {
		t.Fatalf("expected generated run ID")
	}
	if run.Status != api.RunPending {
		t.Fatalf("expected PENDING, got %s", run.Status)
	}

	// Caller variables override definition defaults.
	if run.Variables["env"] != "prod" {
		t.Fatalf("expected env=prod, got %v", run.Variables["env"])
	}
	if run.Variables["extra"] != 1 {
		t.Fatalf("expected extra=1, got %v", run.Variables["extra"])
	}

	// Every step including nested ones starts pending.
	for _, name := range []string{"build", "verify", "lint", "test"} {
		if run.StepStatus[name] != api.StepPending {
			t.Fatalf("step %s: expected PENDING, got %s", name, run.StepStatus[name])
		}
	}
}

func TestTracker_AttemptLifecycle(t *testing.T) {
	tracker := NewTracker(NewMemoryStore())
	ctx := context.Background()

	run, err := tracker.NewRun(ctx, testDefinition(), nil)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	started := time.Now()
	run, err = tracker.MarkStarted(ctx, run.ID, "build")
	if err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if run.StepStatus["build"] != api.StepRunning {
		t.Fatalf("expected RUNNING, got %s", run.StepStatus["build"])
	}
	// Starting records no attempt; attempts are appended when they finish.
	if got := run.Attempts("build"); got != 0 {
		t.Fatalf("expected 0 attempts after start, got %d", got)
	}

	run, err = tracker.MarkFailed(ctx, run.ID, "build", "compiler exploded", started, false)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if run.StepStatus["build"] != api.StepPending {
		t.Fatalf("non-terminal failure should return step to pending, got %s", run.StepStatus["build"])
	}
	if got := run.Attempts("build"); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}

	run, err = tracker.MarkCompleted(ctx, run.ID, "build", time.Now(), "artifact ready")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if run.StepStatus["build"] != api.StepCompleted {
		t.Fatalf("expected COMPLETED, got %s", run.StepStatus["build"])
	}
	if run.Outputs["build"] != "artifact ready" {
		t.Fatalf("expected output recorded, got %q", run.Outputs["build"])
	}
	if got := run.Attempts("build"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	// The failed attempt record is untouched by the later success.
	var attempts []api.StepAttempt
	for _, a := range run.History {
		if a.Step == "build" {
			attempts = append(attempts, a)
		}
	}
	if attempts[0].Status != api.StepFailed || attempts[0].Error != "compiler exploded" {
		t.Fatalf("first attempt mutated: %+v", attempts[0])
	}
	if attempts[1].Status != api.StepCompleted {
		t.Fatalf("second attempt wrong: %+v", attempts[1])
	}
}

func TestTracker_TerminalFailure(t *testing.T) {
	tracker := NewTracker(NewMemoryStore())
	ctx := context.Background()

	run, err := tracker.NewRun(ctx, testDefinition(), nil)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	run, err = tracker.MarkFailed(ctx, run.ID, "build", "no retries left", time.Now(), true)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if run.StepStatus["build"] != api.StepFailed {
		t.Fatalf("expected FAILED, got %s", run.StepStatus["build"])
	}
	if len(run.Errors) == 0 || !strings.Contains(run.Errors[0], "no retries left") {
		t.Fatalf("expected error recorded, got %v", run.Errors)
	}
}

func TestTracker_OutputSpill(t *testing.T) {
	tracker := NewTracker(NewMemoryStore())
	tracker.SpillDir = t.TempDir()
	tracker.MaxOutputBytes = 64
	ctx := context.Background()

	run, err := tracker.NewRun(ctx, testDefinition(), nil)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	big := strings.Repeat("x", 4096)
	run, err = tracker.MarkCompleted(ctx, run.ID, "build", time.Now(), big)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	attempt := run.LastAttempt("build")
	if attempt == nil {
		t.Fatalf("expected attempt record")
	}
	if len(attempt.Output) >= len(big) {
		t.Fatalf("expected truncated inline output, got %d bytes", len(attempt.Output))
	}
	if attempt.OutputRef == "" {
		t.Fatalf("expected spill reference")
	}

	data, err := os.ReadFile(attempt.OutputRef)
	if err != nil {
		t.Fatalf("reading spill file: %v", err)
	}
	if string(data) != big {
		t.Fatalf("spill file does not hold the full output")
	}
}

func TestTracker_Checkpoints(t *testing.T) {
	tracker := NewTracker(NewMemoryStore())
	ctx := context.Background()

	run, err := tracker.NewRun(ctx, testDefinition(), nil)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	if err := tracker.AddCheckpoint(ctx, run.ID, "build", "halfway through"); err != nil {
		t.Fatalf("AddCheckpoint: %v", err)
	}

	got, err := tracker.Store().GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.Checkpoints) != 1 || got.Checkpoints[0].Note != "halfway through" {
		t.Fatalf("unexpected checkpoints: %+v", got.Checkpoints)
	}
}
