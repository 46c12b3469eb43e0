package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

type branchResult struct {
	name string
	ws   *api.Workspace
	err  error
}

// execParallel fans the branch steps out across isolated workspaces and
// joins them under the step's merge policy. Branches already completed in
// a previous process are skipped, so resuming mid-parallel re-runs only
// the unfinished ones. A branch failure never interrupts its siblings;
// in-flight branches always run to a terminal state.
func (e *Engine) execParallel(ctx context.Context, ec *stepContext) (string, error) {
	run, err := e.store.GetRun(ctx, ec.run)
	if err != nil {
		return "", err
	}

	workers := ec.step.Workers
	if workers <= 0 {
		workers = ec.def.Settings.WorkerLimit
	}
	if workers <= 0 {
		workers = api.DefaultWorkerLimit
	}
	policy := ec.step.Merge
	if policy == "" {
		policy = ec.def.Settings.Merge
	}
	if policy == "" {
		policy = api.MergeWaitAll
	}
	keep := ec.def.Settings.KeepBranches

	results := make([]branchResult, len(ec.step.Steps))

	// The group deliberately has no derived context: one branch failing
	// must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(workers)

	for i, branch := range ec.step.Steps {
		results[i] = branchResult{name: branch.Name}
		if run.StepStatus[branch.Name] == api.StepCompleted {
			continue
		}
		i, branch := i, branch
		g.Go(func() error {
			var ws *api.Workspace
			if e.isolation != nil {
				var werr error
				ws, werr = e.isolation.Create(ctx, ec.run, branch.Name)
				if werr != nil {
					results[i].err = api.Transient(werr)
					return nil
				}
				e.tracker.Event(ctx, ec.run, api.EventWorkspace, api.LevelInfo, branch.Name, "created "+ws.Branch)
			}
			results[i].ws = ws
			results[i].err = e.executeStep(ctx, ec.def, ec.run, branch, ws, "")
			return nil
		})
	}
	g.Wait()

	// Workspaces whose branch no longer needs merging are torn down here;
	// merge candidates are destroyed after the fold below.
	defer func() {
		for _, r := range results {
			if r.ws != nil {
				e.isolation.Destroy(ctx, r.ws, keep)
			}
		}
	}()

	var failed []string
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.name, r.err))
		}
	}
	if len(failed) > 0 {
		return "", api.Fatal(fmt.Errorf("%d of %d branches failed: %s", len(failed), len(ec.step.Steps), failed[0]))
	}

	if policy == api.MergeSequential && e.isolation != nil {
		if err := e.mergeBranches(ctx, ec, results); err != nil {
			return "", err
		}
	}

	run, err = e.store.GetRun(ctx, ec.run)
	if err != nil {
		return "", err
	}
	outputs := make(map[string]string, len(ec.step.Steps))
	for _, branch := range ec.step.Steps {
		outputs[branch.Name] = run.Outputs[branch.Name]
	}
	summary, _ := json.Marshal(outputs)
	return string(summary), nil
}

// mergeBranches folds successful branches back into the base in definition
// order. A conflicted fold dispatches the step's conflict-resolution
// instruction in the branch workspace, bounded by the same attempt budget
// as any step, and retries the fold after each resolution attempt. If the
// conflict survives the budget the parallel step fails and the run pauses
// so a human can salvage the branch, which is kept.
func (e *Engine) mergeBranches(ctx context.Context, ec *stepContext, results []branchResult) error {
	budget := maxAttemptsFor(ec.def, ec.step)

	for _, r := range results {
		if r.ws == nil {
			continue
		}
		resolved := false
		for attempt := 1; attempt <= budget; attempt++ {
			conflict, err := e.isolation.Merge(ctx, r.ws)
			if err != nil {
				return api.Transient(fmt.Errorf("merging %s: %w", r.name, err))
			}
			if !conflict {
				resolved = true
				break
			}
			if attempt == budget {
				break
			}
			e.tracker.Event(ctx, ec.run, api.EventWorkspace, api.LevelWarning, r.name, "merge conflict, dispatching resolver")
			if rerr := e.resolveConflict(ctx, ec, r); rerr != nil {
				e.logger.Warn("conflict resolver failed", "run", ec.run, "branch", r.name, "error", rerr)
			}
		}
		if resolved {
			continue
		}

		prompt := fmt.Sprintf("merge conflict in branch %s of step %s needs manual resolution (workspace %s kept)",
			r.ws.Branch, ec.step.Name, r.ws.Path)
		e.tracker.MarkFailed(ctx, ec.run, ec.step.Name, prompt, time.Now(), true)
		// Clearing ws exempts the kept workspace from teardown.
		for i := range results {
			if results[i].name == r.name {
				results[i].ws = nil
			}
		}
		return api.Blocking(prompt)
	}
	return nil
}

func (e *Engine) resolveConflict(ctx context.Context, ec *stepContext, r branchResult) error {
	run, err := e.store.GetRun(ctx, ec.run)
	if err != nil {
		return err
	}
	vars := evalVars(run)
	vars["branch"] = r.ws.Branch

	instr := api.Instruction{
		Step: ec.step.Name,
		Text: definition.Render(ec.step.OnConflict, vars),
	}
	timeout := ec.def.Settings.StepTimeout
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := e.invoker.Invoke(ictx, instr, r.ws, timeout)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}
