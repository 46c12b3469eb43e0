// Command loom is the control surface for workflow runs: it starts new
// runs, resumes or cancels existing ones, feeds input to paused runs, and
// reports status.
//
// Usage:
//
//	loom start --workflow release.yaml [--var key=value]...
//	loom resume --run <id> --workflow release.yaml
//	loom cancel --run <id>
//	loom input --run <id> --text "looks good, ship it"
//	loom status --run <id> [--json]
//	loom list [--status RUNNING] [--workflow name]
//
// The exit code reflects the run outcome so scripts can branch on it:
// 0 completed, 1 failed, 2 cancelled, 3 paused waiting for input, 4 usage
// or infrastructure error.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/api"
)

const (
	exitCompleted = 0
	exitFailed    = 1
	exitCancelled = 2
	exitPaused    = 3
	exitUsage     = 4
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "start":
		code = runStart(ctx, os.Args[2:])
	case "resume":
		code = runResume(ctx, os.Args[2:])
	case "cancel":
		code = runCancel(ctx, os.Args[2:])
	case "input":
		code = runInput(ctx, os.Args[2:])
	case "status":
		code = runStatus(ctx, os.Args[2:])
	case "list":
		code = runList(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		code = exitUsage
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `loom - declarative workflow orchestration

Commands:
  start    start a new run of a workflow definition
  resume   continue a persisted run from its last durable state
  cancel   request cooperative cancellation of a run
  input    deliver input to a run paused on a human step
  status   show the persisted state of a run
  list     list runs, optionally filtered by status or workflow

Run 'loom <command> -h' for command flags.
`)
}

// commonFlags are shared by commands that need a full orchestrator.
type commonFlags struct {
	db    string
	repo  string
	agent string
	quiet bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	var c commonFlags
	fs.StringVar(&c.db, "db", "loom.db", "path to the SQLite progress database")
	fs.StringVar(&c.repo, "repo", ".", "git repository root for workspace isolation")
	fs.StringVar(&c.agent, "agent", "", "external invoker command (required to execute steps)")
	fs.BoolVar(&c.quiet, "quiet", false, "suppress progress logging")
	return &c
}

func (c *commonFlags) orchestrator() (*engine.Engine, *sql.DB, error) {
	if c.agent == "" {
		return nil, nil, fmt.Errorf("--agent is required")
	}
	db, err := sql.Open("sqlite", c.db)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", c.db, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	opts := loom.Options{
		RepoRoot: c.repo,
		Logger:   logger,
	}
	if !c.quiet {
		opts.Observer = loom.NewLoggingObserver(logger)
	}

	parts := strings.Fields(c.agent)
	inv := loom.NewCommandInvoker(parts[0], parts[1:]...)

	orc, err := loom.NewSQLiteOrchestrator(db, inv, opts)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return orc, db, nil
}

// store opens just the progress database, for commands that never dispatch
// steps.
func (c *commonFlags) store() (*engine.Engine, *sql.DB, error) {
	db, err := sql.Open("sqlite", c.db)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", c.db, err)
	}
	orc, err := loom.NewSQLiteOrchestrator(db, passiveInvoker{}, loom.Options{})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return orc, db, nil
}

func runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	common := registerCommon(fs)
	workflow := fs.String("workflow", "", "path to the YAML workflow definition")
	var vars varFlags
	fs.Var(&vars, "var", "run variable as key=value, repeatable")
	fs.Parse(args)

	if *workflow == "" {
		fmt.Fprintln(os.Stderr, "--workflow is required")
		return exitUsage
	}
	def, err := loom.ParseDefinitionFile(*workflow)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	orc, db, err := common.orchestrator()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	run, err := orc.Start(ctx, def, vars.m)
	return report(run, err)
}

func runResume(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	common := registerCommon(fs)
	workflow := fs.String("workflow", "", "path to the YAML workflow definition")
	runID := fs.String("run", "", "run ID")
	fs.Parse(args)

	if *workflow == "" || *runID == "" {
		fmt.Fprintln(os.Stderr, "--workflow and --run are required")
		return exitUsage
	}
	def, err := loom.ParseDefinitionFile(*workflow)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	orc, db, err := common.orchestrator()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	if err := orc.Register(def); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	run, err := orc.Resume(ctx, *runID)
	return report(run, err)
}

func runCancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	common := registerCommon(fs)
	runID := fs.String("run", "", "run ID")
	fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "--run is required")
		return exitUsage
	}
	orc, db, err := common.store()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	if err := orc.Cancel(ctx, *runID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	fmt.Printf("cancellation requested for %s\n", *runID)
	return exitCompleted
}

func runInput(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("input", flag.ExitOnError)
	common := registerCommon(fs)
	runID := fs.String("run", "", "run ID")
	text := fs.String("text", "", "input text for the paused step")
	fs.Parse(args)

	if *runID == "" || *text == "" {
		fmt.Fprintln(os.Stderr, "--run and --text are required")
		return exitUsage
	}
	orc, db, err := common.store()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	if err := orc.ProvideInput(ctx, *runID, *text); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	fmt.Printf("input recorded for %s; resume the run to continue\n", *runID)
	return exitCompleted
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := registerCommon(fs)
	runID := fs.String("run", "", "run ID")
	asJSON := fs.Bool("json", false, "emit the full run document as JSON")
	fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "--run is required")
		return exitUsage
	}
	orc, db, err := common.store()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	run, err := orc.Status(ctx, *runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(run)
	} else {
		printRun(run)
	}
	return exitCodeFor(run.Status)
}

func runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	common := registerCommon(fs)
	status := fs.String("status", "", "filter by run status")
	workflow := fs.String("workflow", "", "filter by workflow name")
	fs.Parse(args)

	orc, db, err := common.store()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	defer db.Close()

	runs, err := orc.ListRuns(ctx, loom.RunFilter{
		Status:   loom.RunStatus(*status),
		Workflow: *workflow,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	for _, run := range runs {
		fmt.Printf("%s  %-10s  %s\n", run.ID, run.Status, run.Workflow)
	}
	return exitCompleted
}

func report(run *loom.Run, err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if run == nil {
			return exitUsage
		}
	}
	printRun(run)
	return exitCodeFor(run.Status)
}

func printRun(run *loom.Run) {
	fmt.Printf("run %s (%s): %s\n", run.ID, run.Workflow, run.Status)
	if run.Status == loom.RunPaused && run.Prompt != "" {
		fmt.Printf("  waiting for input: %s\n", run.Prompt)
		fmt.Printf("  provide it with: loom input --run %s --text '...'\n", run.ID)
	}
	if run.FailedStep != "" {
		fmt.Printf("  failed step: %s\n", run.FailedStep)
	}
	for step, st := range run.StepStatus {
		fmt.Printf("  %-24s %s\n", step, st)
	}
}

func exitCodeFor(status loom.RunStatus) int {
	switch status {
	case loom.RunCompleted:
		return exitCompleted
	case loom.RunFailed:
		return exitFailed
	case loom.RunCancelled:
		return exitCancelled
	case loom.RunPaused:
		return exitPaused
	default:
		return exitCompleted
	}
}

// varFlags collects repeated --var key=value flags.
type varFlags struct {
	m map[string]any
}

func (v *varFlags) String() string { return "" }

func (v *varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = value
	return nil
}

// passiveInvoker backs commands that only read or flag state and must never
// execute a step.
type passiveInvoker struct{}

func (passiveInvoker) Invoke(context.Context, api.Instruction, *api.Workspace, time.Duration) (api.Result, error) {
	return api.Result{}, fmt.Errorf("this command does not execute steps")
}
