package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loomworks/loom/internal/isolation"
	"github.com/loomworks/loom/internal/progress"
	"github.com/loomworks/loom/pkg/api"
)

// scriptGit fakes the git runner: worktree commands succeed, merges
// conflict a configurable number of times before folding cleanly.
type scriptGit struct {
	mu        sync.Mutex
	conflicts int // remaining merges that conflict; -1 conflicts forever
	merges    int
}

func (g *scriptGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(args) >= 2 && args[0] == "merge" && args[1] == "--no-ff" {
		g.merges++
		if g.conflicts != 0 {
			if g.conflicts > 0 {
				g.conflicts--
			}
			return "CONFLICT (content): merge conflict in main.go", errors.New("exit status 1")
		}
	}
	return "", nil
}

func newMergeTestEngine(t *testing.T, inv api.Invoker, git isolation.Runner) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	iso := isolation.NewManager(t.TempDir(), logger)
	iso.BaseDir = t.TempDir()
	iso.Git = git

	e, err := New(Config{
		Store:     progress.NewMemoryStore(),
		Invoker:   inv,
		Isolation: iso,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mergeDef() *api.Definition {
	return &api.Definition{
		Name:     "wf",
		Settings: api.Settings{MaxRetries: 2},
		Steps: []api.Step{
			{
				Name:       "par",
				Type:       api.StepParallel,
				Merge:      api.MergeSequential,
				OnConflict: "resolve the conflict in ${branch}",
				Steps: []api.Step{
					seq("left", "left work"),
					seq("right", "right work"),
				},
			},
		},
	}
}

func TestEngine_SequentialMergeResolvesConflict(t *testing.T) {
	inv := &fakeInvoker{}
	git := &scriptGit{conflicts: 1}
	e := newMergeTestEngine(t, inv, git)

	run, err := e.Start(context.Background(), mergeDef(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.RunCompleted {
		t.Fatalf("expected COMPLETED, got %s", run.Status)
	}

	// One conflicted fold dispatched the resolver, then the retry folded
	// cleanly.
	resolver := inv.callsFor("par")
	if len(resolver) != 1 {
		t.Fatalf("expected 1 resolver dispatch, got %d", len(resolver))
	}
	if !strings.Contains(resolver[0].Text, "resolve the conflict in "+isolation.Prefix) {
		t.Fatalf("resolver instruction missing branch: %q", resolver[0].Text)
	}
	if git.merges < 2 {
		t.Fatalf("expected the fold to be retried after resolution, merges=%d", git.merges)
	}
}

func TestEngine_SequentialMergeUnresolvedPausesRun(t *testing.T) {
	inv := &fakeInvoker{
		handler: func(instr api.Instruction, ws *api.Workspace) (api.Result, error) {
			if instr.Step == "par" {
				// The conflict resolver keeps failing.
				return api.Result{Success: false, Error: "cannot untangle"}, nil
			}
			return api.Result{Success: true, Output: "ok"}, nil
		},
	}
	git := &scriptGit{conflicts: -1}
	e := newMergeTestEngine(t, inv, git)

	run, err := e.Start(context.Background(), mergeDef(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The work is preserved for a human instead of being discarded.
	if run.Status != api.RunPaused {
		t.Fatalf("expected PAUSED, got %s", run.Status)
	}
	if run.StepStatus["par"] != api.StepFailed {
		t.Fatalf("expected parallel step FAILED, got %s", run.StepStatus["par"])
	}
	if !strings.Contains(run.Prompt, "merge conflict") {
		t.Fatalf("prompt should describe the conflict: %q", run.Prompt)
	}

	// Both branches themselves finished fine.
	if run.StepStatus["left"] != api.StepCompleted || run.StepStatus["right"] != api.StepCompleted {
		t.Fatalf("branches should complete: %v", run.StepStatus)
	}
}

// Pausing on an unresolved conflict is only useful if resume can pick the
// run back up after someone untangles the branch by hand.
func TestEngine_ResumeAfterManualConflictResolution(t *testing.T) {
	inv := &fakeInvoker{
		handler: func(instr api.Instruction, ws *api.Workspace) (api.Result, error) {
			if instr.Step == "par" {
				return api.Result{Success: false, Error: "cannot untangle"}, nil
			}
			return api.Result{Success: true, Output: "ok"}, nil
		},
	}
	git := &scriptGit{conflicts: -1}
	e := newMergeTestEngine(t, inv, git)

	ctx := context.Background()
	run, err := e.Start(ctx, mergeDef(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.RunPaused {
		t.Fatalf("expected PAUSED, got %s", run.Status)
	}
	if run.StepStatus["par"] != api.StepFailed {
		t.Fatalf("expected parallel step FAILED, got %s", run.StepStatus["par"])
	}

	// The conflicted workspace the pause promised to keep.
	kept := filepath.Join(e.isolation.BaseDir, isolation.Prefix+run.ID[:8]+"-left-abc123")
	if err := os.MkdirAll(kept, 0o755); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	resumed, err := e.Resume(ctx, run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != api.RunCompleted {
		t.Fatalf("expected COMPLETED after intervention, got %s", resumed.Status)
	}
	if resumed.StepStatus["par"] != api.StepCompleted {
		t.Fatalf("parallel step should complete: %v", resumed.StepStatus)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("paused run's workspace pruned during resume: %v", err)
	}
}
