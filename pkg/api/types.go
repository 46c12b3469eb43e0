package api

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepType identifies the kind of step in a workflow definition.
// The set is closed; the scheduler handles every variant exhaustively.
// Additional handlers can be registered by type tag on the engine.
type StepType string

const (
	StepSequential  StepType = "sequential"
	StepParallel    StepType = "parallel"
	StepConditional StepType = "conditional"
	StepRecurring   StepType = "recurring"
	StepHuman       StepType = "human"
)

// MergePolicy controls how the branches of a parallel step are joined.
type MergePolicy string

const (
	// MergeWaitAll blocks until every branch reaches a terminal state and
	// fails the parallel step if any branch failed. Branch workspaces are
	// discarded; outputs are collected into the parent step's output.
	MergeWaitAll MergePolicy = "wait_all"

	// MergeSequential folds successful branches back into the shared base
	// one at a time. A non-clean fold dispatches a conflict-resolution task;
	// if that task fails, the parallel step fails and the run pauses.
	MergeSequential MergePolicy = "sequential_merge"
)

// TimeoutAction controls what a human step does when its wait times out.
type TimeoutAction string

const (
	TimeoutAbort    TimeoutAction = "abort"
	TimeoutContinue TimeoutAction = "continue"
)

// Defaults applied when a definition or step leaves a knob unset.
const (
	DefaultMaxRetries   = 3
	DefaultWorkerLimit  = 4
	DefaultPollInterval = 5 * time.Second
	DefaultGracePeriod  = 5 * time.Second
)

// Settings holds run-level knobs shared by every step unless overridden.
type Settings struct {
	// MaxRetries is the number of retries after the first attempt.
	// A step therefore executes at most MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// StepTimeout bounds a single external invocation. Zero means no limit.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`

	// WorkerLimit bounds concurrent branches inside a parallel step.
	WorkerLimit int `yaml:"worker_limit" json:"worker_limit"`

	// Merge is the default merge policy for parallel steps.
	Merge MergePolicy `yaml:"merge" json:"merge"`

	// KeepBranches preserves workspace branches after teardown.
	KeepBranches bool `yaml:"keep_branches" json:"keep_branches"`

	// GracePeriod is how long cancellation waits for in-flight work.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
}

// Step is one node in a workflow definition. Which fields are meaningful
// depends on Type; the definition parser enforces the per-type requirements.
type Step struct {
	Name      string   `yaml:"name" json:"name"`
	Type      StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// MaxRetries overrides Settings.MaxRetries for this step when non-nil.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Sequential.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty"`

	// Parallel and recurring nested steps.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Parallel.
	Merge   MergePolicy `yaml:"merge,omitempty" json:"merge,omitempty"`
	Workers int         `yaml:"workers,omitempty" json:"workers,omitempty"`
	// OnConflict is the instruction dispatched when a sequential merge is not
	// clean. Required for merge: sequential_merge.
	OnConflict string `yaml:"on_conflict,omitempty" json:"on_conflict,omitempty"`

	// Conditional.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []Step `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []Step `yaml:"else,omitempty" json:"else,omitempty"`

	// Recurring.
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Until         string `yaml:"until,omitempty" json:"until,omitempty"`

	// Human.
	Prompt       string        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	WaitTimeout  time.Duration `yaml:"wait_timeout,omitempty" json:"wait_timeout,omitempty"`
	OnTimeout    TimeoutAction `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
}

// Definition is an immutable workflow definition: a named graph of steps
// plus run-level settings and variable defaults. Instances are built by the
// definition parser or the root-package builder and must not be mutated
// after registration.
type Definition struct {
	Name      string         `yaml:"name" json:"name"`
	Settings  Settings       `yaml:"settings" json:"settings"`
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps     []Step         `yaml:"steps" json:"steps"`
}

// StepNames returns the names of all steps including nested ones, in
// definition order.
func (d *Definition) StepNames() []string {
	var names []string
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			names = append(names, s.Name)
			walk(s.Steps)
			walk(s.Then)
			walk(s.Else)
		}
	}
	walk(d.Steps)
	return names
}

// StepAttempt is one execution attempt of a step. Records are immutable once
// written; a retry appends a new attempt rather than mutating the prior one.
type StepAttempt struct {
	Step       string     `json:"step"`
	Attempt    int        `json:"attempt"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`

	// Output is the step's structured output, capped by the progress store.
	// When the raw output exceeded the cap, Output holds a truncated summary
	// and OutputRef points at the full artifact on disk.
	Output    string `json:"output,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Checkpoint is an advisory progress note attached to a run by a step.
// Checkpoints never drive control flow; they exist for resuming or handing
// off context to a future process or operator.
type Checkpoint struct {
	Step string    `json:"step"`
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// Run is the persisted, mutable record of one workflow execution. It is the
// only shared mutable resource between components; all mutation goes through
// the progress store's lease-guarded read-modify-write.
type Run struct {
	ID       string    `json:"id"`
	Workflow string    `json:"workflow"`
	Status   RunStatus `json:"status"`

	Variables map[string]any `json:"variables,omitempty"`

	// StepStatus is the live status map, keyed by step name.
	StepStatus map[string]StepStatus `json:"step_status"`

	// Outputs accumulates the latest completed output per step.
	Outputs map[string]string `json:"outputs,omitempty"`

	// History is the append-only list of step attempts.
	History []StepAttempt `json:"history,omitempty"`

	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	// Errors is the run-level error log, most recent last.
	Errors []string `json:"errors,omitempty"`

	// FailedStep names the step whose exhaustion failed the run.
	FailedStep string `json:"failed_step,omitempty"`

	// Prompt is set while the run is paused waiting for human input.
	Prompt string `json:"prompt,omitempty"`

	// PendingInput holds externally supplied input not yet consumed by the
	// waiting step.
	PendingInput string `json:"pending_input,omitempty"`

	// CancelRequested is the cooperative cancellation flag; the loop checks
	// it at every iteration boundary.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempts returns how many attempts have been recorded for the named step.
func (r *Run) Attempts(step string) int {
	n := 0
	for _, a := range r.History {
		if a.Step == step {
			n++
		}
	}
	return n
}

// LastAttempt returns the most recent attempt for the named step, or nil.
func (r *Run) LastAttempt(step string) *StepAttempt {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Step == step {
			return &r.History[i]
		}
	}
	return nil
}

// RunFilter selects runs from the progress store.
// Zero values mean "no filter" for that field.
type RunFilter struct {
	Workflow string
	Status   RunStatus
}

// Workspace is an ephemeral, isolated filesystem+branch sandbox bound to one
// parallel branch (or one step attempt sequence).
type Workspace struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}
