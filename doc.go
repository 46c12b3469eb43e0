// Package loom is a declarative orchestration engine for workflows whose
// steps are carried out by an external task invoker, typically a coding
// agent working against a git repository.
//
// A workflow is a named graph of typed steps: sequential instructions,
// parallel fan-outs into isolated git worktrees, conditional branches,
// bounded loops, and human approval gates. Loom owns scheduling, durable
// progress, retries, and cancellation; the invoker owns doing the work.
//
// # Core Concepts
//
//  1. Definition: an immutable workflow parsed from YAML or built with
//     FlowBuilder.
//  2. Orchestrator: drives runs through a persistent decision loop. Every
//     iteration reloads the run, picks the next action, dispatches it, and
//     persists the outcome, so a killed process can always resume.
//  3. Invoker: the single integration point with the outside world. Loom
//     hands it rendered instructions and a workspace; it returns a result.
//  4. Progress store: the lockable run document holding step states,
//     attempt history, outputs, and checkpoints. In-memory for tests,
//     SQLite for durability.
//  5. Isolation: parallel branches each get a dedicated git worktree and
//     branch, merged back under the step's merge policy.
//
// # A minimal run
//
//	def, err := loom.ParseDefinitionFile("release.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	orc, err := loom.NewSQLiteOrchestrator(db, invoker, loom.Options{
//	    RepoRoot: ".",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	run, err := orc.Start(ctx, def, map[string]any{"version": "v1.4.0"})
//
// Start returns when the run reaches a terminal status or pauses for human
// input. A paused run is continued with Resume after input arrives via
// ProvideInput.
//
// Failures are classified: transient failures retry as-is, recoverable
// failures retry with the failure forwarded as context, fatal failures stop
// the step immediately, and blocking conditions pause the run. Retries are
// bounded by max_retries per step.
package loom
