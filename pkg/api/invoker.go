package api

import (
	"context"
	"time"
)

// Instruction is one rendered unit of work handed to the external task
// invoker. The engine never inspects how the work is performed, only the
// outcome.
type Instruction struct {
	// Step is the name of the step this instruction belongs to.
	Step string

	// Text is the fully rendered instruction.
	Text string

	// FailureContext carries the errors of prior attempts so the invoker can
	// self-correct. Empty on the first attempt and for transient retries.
	FailureContext []string
}

// Result is the outcome of one external invocation.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Invoker performs the actual unit of work for an instruction. It is the
// engine's opaque external collaborator.
//
// Implementations must honor ctx and the timeout: when the timeout elapses
// the underlying process must be terminated, not left running.
type Invoker interface {
	Invoke(ctx context.Context, instr Instruction, ws *Workspace, timeout time.Duration) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, instr Instruction, ws *Workspace, timeout time.Duration) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, instr Instruction, ws *Workspace, timeout time.Duration) (Result, error) {
	return f(ctx, instr, ws, timeout)
}
