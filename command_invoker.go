package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// CommandInvoker executes instructions by running an external command, the
// usual bridge to a coding agent CLI. The instruction is written to the
// command's stdin as JSON and the command runs inside the step's workspace
// when one exists, so its edits land on the right branch.
//
// The command's exit status decides the result: exit 0 is success with
// stdout as the step output, anything else is a failed result carrying
// stderr as the error. Loom's retry classification takes it from there.
//
// Typical usage:
//
//	inv := loom.NewCommandInvoker("my-agent", "--quiet")
//	orc, err := loom.NewSQLiteOrchestrator(db, inv, loom.Options{RepoRoot: "."})
type CommandInvoker struct {
	command string
	args    []string

	// Dir is the working directory when the instruction has no workspace.
	// Empty means the current directory.
	Dir string
}

// NewCommandInvoker builds an invoker running the given command.
func NewCommandInvoker(command string, args ...string) *CommandInvoker {
	return &CommandInvoker{command: command, args: args}
}

var _ api.Invoker = (*CommandInvoker)(nil)

type invokerPayload struct {
	Step           string   `json:"step"`
	Instruction    string   `json:"instruction"`
	FailureContext []string `json:"failure_context,omitempty"`
	Workspace      string   `json:"workspace,omitempty"`
	Branch         string   `json:"branch,omitempty"`
}

// Invoke runs the command once. Context cancellation or the timeout kills
// the process; that surfaces as an error, not a failed result.
func (c *CommandInvoker) Invoke(ctx context.Context, instr api.Instruction, ws *api.Workspace, timeout time.Duration) (api.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload := invokerPayload{
		Step:           instr.Step,
		Instruction:    instr.Text,
		FailureContext: instr.FailureContext,
	}
	if ws != nil {
		payload.Workspace = ws.Path
		payload.Branch = ws.Branch
	}
	stdin, err := json.Marshal(payload)
	if err != nil {
		return api.Result{}, err
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewReader(stdin)
	if ws != nil {
		cmd.Dir = ws.Path
	} else if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return api.Result{}, fmt.Errorf("invoking %s: %w", c.command, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return api.Result{
				Success: false,
				Output:  stdout.String(),
				Error:   msg,
			}, nil
		}
		return api.Result{}, fmt.Errorf("invoking %s: %w", c.command, err)
	}

	return api.Result{Success: true, Output: strings.TrimSpace(stdout.String())}, nil
}
