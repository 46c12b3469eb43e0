package loom

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows in Go instead of
// YAML:
//
//	def := loom.New("release").
//	    Do("build", "compile the project and report the artifact path").
//	    Fanout("checks",
//	        loom.Task("lint", "run the linters and fix what they flag"),
//	        loom.Task("test", "run the test suite")).
//	    Approve("ship", "artifact built and checks green, ship it?").
//	    Definition()
type FlowBuilder struct {
	def api.Definition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.Definition{
			Name:  name,
			Steps: make([]api.Step, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the built definition.
func (b *FlowBuilder) Definition() *Definition {
	def := b.def
	return &def
}

// Settings replaces the run-level settings.
func (b *FlowBuilder) Settings(s Settings) *FlowBuilder {
	b.def.Settings = s
	return b
}

// Var sets a default variable value.
func (b *FlowBuilder) Var(name string, value any) *FlowBuilder {
	if b.def.Variables == nil {
		b.def.Variables = make(map[string]any)
	}
	b.def.Variables[name] = value
	return b
}

// AddStep appends a fully specified step. The convenience methods below
// cover the common shapes.
func (b *FlowBuilder) AddStep(step Step) *FlowBuilder {
	if step.Name == "" {
		panic("loom: step name must not be empty")
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Do appends a sequential step carrying an instruction.
func (b *FlowBuilder) Do(name, instruction string) *FlowBuilder {
	return b.AddStep(Task(name, instruction))
}

// After marks the most recently added step as depending on the named steps.
func (b *FlowBuilder) After(deps ...string) *FlowBuilder {
	if len(b.def.Steps) == 0 {
		panic("loom: After called before any step was added")
	}
	last := &b.def.Steps[len(b.def.Steps)-1]
	last.DependsOn = append(last.DependsOn, deps...)
	return b
}

// Fanout appends a parallel step running the given branches.
func (b *FlowBuilder) Fanout(name string, branches ...Step) *FlowBuilder {
	if len(branches) == 0 {
		panic(fmt.Sprintf("loom: parallel step %q has no branches", name))
	}
	return b.AddStep(Step{
		Name:  name,
		Type:  api.StepParallel,
		Steps: branches,
	})
}

// If appends a conditional step.
func (b *FlowBuilder) If(name, condition string, then []Step, els []Step) *FlowBuilder {
	return b.AddStep(Step{
		Name:      name,
		Type:      api.StepConditional,
		Condition: condition,
		Then:      then,
		Else:      els,
	})
}

// Loop appends a recurring step that repeats its body until the condition
// holds or the iteration budget runs out.
func (b *FlowBuilder) Loop(name, until string, maxIterations int, body ...Step) *FlowBuilder {
	return b.AddStep(Step{
		Name:          name,
		Type:          api.StepRecurring,
		Until:         until,
		MaxIterations: maxIterations,
		Steps:         body,
	})
}

// Approve appends a human step that waits indefinitely for input.
func (b *FlowBuilder) Approve(name, prompt string) *FlowBuilder {
	return b.AddStep(Step{
		Name:   name,
		Type:   api.StepHuman,
		Prompt: prompt,
	})
}

// ApproveWithin appends a human step bounded by a wait timeout.
func (b *FlowBuilder) ApproveWithin(name, prompt string, timeout time.Duration, onTimeout api.TimeoutAction) *FlowBuilder {
	return b.AddStep(Step{
		Name:        name,
		Type:        api.StepHuman,
		Prompt:      prompt,
		WaitTimeout: timeout,
		OnTimeout:   onTimeout,
	})
}

// Task builds a sequential step, for use as a top-level step or a branch.
func Task(name, instruction string) Step {
	if name == "" {
		panic("loom: step name must not be empty")
	}
	if instruction == "" {
		panic(fmt.Sprintf("loom: step %q has an empty instruction", name))
	}
	return Step{
		Name:        name,
		Type:        api.StepSequential,
		Instruction: instruction,
	}
}
