package definition

import (
	"errors"
	"strings"
	"testing"

	"github.com/loomworks/loom/pkg/api"
)

const fullWorkflow = `
name: release
settings:
  max_retries: 2
  step_timeout: 10m
  worker_limit: 3
  merge: wait_all
  grace_period: 30s
variables:
  version: v1.4.0
steps:
  - name: build
    type: sequential
    instruction: "build ${version} and report the artifact path"
  - name: checks
    type: parallel
    depends_on: [build]
    merge: sequential_merge
    on_conflict: "resolve the merge conflict in branch ${branch}"
    steps:
      - name: lint
        type: sequential
        instruction: "run the linters"
      - name: test
        type: sequential
        max_retries: 4
        instruction: "run the tests"
  - name: gate
    type: conditional
    depends_on: [checks]
    condition: 'outputs.build != "" && version == "v1.4.0"'
    then:
      - name: tag
        type: sequential
        instruction: "tag the release"
    else:
      - name: explain
        type: sequential
        instruction: "explain what is missing"
  - name: stabilize
    type: recurring
    depends_on: [gate]
    max_iterations: 5
    until: 'outputs.probe == "healthy"'
    steps:
      - name: probe
        type: sequential
        instruction: "probe the deployment"
  - name: approve
    type: human
    depends_on: [stabilize]
    prompt: "ship ${version}?"
    poll_interval: 2s
    wait_timeout: 1h
    on_timeout: abort
`

func TestParse_FullWorkflow(t *testing.T) {
	def, err := Parse([]byte(fullWorkflow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if def.Name != "release" {
		t.Fatalf("expected name release, got %q", def.Name)
	}
	if def.Settings.MaxRetries != 2 {
		t.Fatalf("expected max_retries 2, got %d", def.Settings.MaxRetries)
	}
	if def.Settings.StepTimeout.Minutes() != 10 {
		t.Fatalf("expected 10m step timeout, got %s", def.Settings.StepTimeout)
	}
	if def.Variables["version"] != "v1.4.0" {
		t.Fatalf("expected version variable, got %v", def.Variables["version"])
	}

	if len(def.Steps) != 5 {
		t.Fatalf("expected 5 top-level steps, got %d", len(def.Steps))
	}

	checks := def.Steps[1]
	if checks.Type != api.StepParallel || len(checks.Steps) != 2 {
		t.Fatalf("unexpected parallel step: %+v", checks)
	}
	if checks.Merge != api.MergeSequential || checks.OnConflict == "" {
		t.Fatalf("merge policy not parsed: %+v", checks)
	}
	if checks.Steps[1].MaxRetries == nil || *checks.Steps[1].MaxRetries != 4 {
		t.Fatalf("per-step max_retries override not parsed")
	}

	gate := def.Steps[2]
	if gate.Type != api.StepConditional || len(gate.Then) != 1 || len(gate.Else) != 1 {
		t.Fatalf("unexpected conditional step: %+v", gate)
	}

	approve := def.Steps[4]
	if approve.Type != api.StepHuman || approve.OnTimeout != api.TimeoutAbort {
		t.Fatalf("unexpected human step: %+v", approve)
	}
	if approve.PollInterval.Seconds() != 2 {
		t.Fatalf("poll_interval not parsed: %s", approve.PollInterval)
	}

	names := def.StepNames()
	if len(names) != 10 {
		t.Fatalf("expected 10 step names including nested, got %d: %v", len(names), names)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string // substring of the parse error
	}{
		{
			name: "missing workflow name",
			yaml: `
steps:
  - name: a
    type: sequential
    instruction: do it
`,
			want: "name",
		},
		{
			name: "no steps",
			yaml: `
name: empty
steps: []
`,
			want: "steps",
		},
		{
			name: "unknown step type",
			yaml: `
name: wf
steps:
  - name: a
    type: mystery
`,
			want: "type",
		},
		{
			name: "sequential without instruction",
			yaml: `
name: wf
steps:
  - name: a
    type: sequential
`,
			want: "instruction",
		},
		{
			name: "duplicate step names across nesting",
			yaml: `
name: wf
steps:
  - name: a
    type: sequential
    instruction: do it
  - name: par
    type: parallel
    steps:
      - name: a
        type: sequential
        instruction: again
`,
			want: "duplicate",
		},
		{
			name: "unknown dependency",
			yaml: `
name: wf
steps:
  - name: a
    type: sequential
    instruction: do it
    depends_on: [ghost]
`,
			want: "ghost",
		},
		{
			name: "dependency cycle",
			yaml: `
name: wf
steps:
  - name: a
    type: sequential
    instruction: do it
    depends_on: [b]
  - name: b
    type: sequential
    instruction: do it too
    depends_on: [a]
`,
			want: "cycle",
		},
		{
			name: "parallel without branches",
			yaml: `
name: wf
steps:
  - name: par
    type: parallel
    steps: []
`,
			want: "step list",
		},
		{
			name: "sequential_merge without on_conflict",
			yaml: `
name: wf
steps:
  - name: par
    type: parallel
    merge: sequential_merge
    steps:
      - name: a
        type: sequential
        instruction: do it
`,
			want: "on_conflict",
		},
		{
			name: "conditional without condition",
			yaml: `
name: wf
steps:
  - name: gate
    type: conditional
    then:
      - name: a
        type: sequential
        instruction: do it
`,
			want: "condition",
		},
		{
			name: "recurring without iteration budget",
			yaml: `
name: wf
steps:
  - name: loop
    type: recurring
    until: 'done == true'
    steps:
      - name: a
        type: sequential
        instruction: do it
`,
			want: "max_iterations",
		},
		{
			name: "human without prompt",
			yaml: `
name: wf
steps:
  - name: gate
    type: human
`,
			want: "prompt",
		},
		{
			name: "bad duration",
			yaml: `
name: wf
settings:
  step_timeout: eleven minutes
steps:
  - name: a
    type: sequential
    instruction: do it
`,
			want: "step_timeout",
		},
		{
			name: "nested step as dependency",
			yaml: `
name: wf
steps:
  - name: par
    type: parallel
    steps:
      - name: inner
        type: sequential
        instruction: do it
  - name: b
    type: sequential
    instruction: do it
    depends_on: [inner]
`,
			want: "inner",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected parse error")
			}
			var perr *api.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *api.ParseError, got %T: %v", err, err)
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tc.want)) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

// A valid definition survives a serialize/parse round trip semantically
// unchanged.
func TestSerialize_RoundTrip(t *testing.T) {
	def, err := Parse([]byte(fullWorkflow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	data, err := Serialize(def)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	again, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	if again.Name != def.Name {
		t.Fatalf("name changed: %q vs %q", again.Name, def.Name)
	}
	if len(again.StepNames()) != len(def.StepNames()) {
		t.Fatalf("steps changed: %v vs %v", again.StepNames(), def.StepNames())
	}
	if again.Settings.StepTimeout != def.Settings.StepTimeout {
		t.Fatalf("settings changed: %+v vs %+v", again.Settings, def.Settings)
	}
}
