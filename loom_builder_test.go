package loom

import (
	"testing"

	"github.com/loomworks/loom/internal/definition"
	"github.com/loomworks/loom/pkg/api"
)

func TestBuilder_Release(t *testing.T) {
	def := New("release").
		Var("version", "v1.4.0").
		Do("build", "build ${version}").
		Fanout("checks",
			Task("lint", "run the linters"),
			Task("test", "run the tests")).
		After("build").
		If("gate", `outputs.build != ""`,
			[]Step{Task("tag", "tag the release")},
			nil).
		After("checks").
		Loop("stabilize", `outputs.probe == "healthy"`, 5,
			Task("probe", "probe the deployment")).
		After("gate").
		Approve("ship", "ship ${version}?").
		After("stabilize").
		Definition()

	if def.Name != "release" {
		t.Fatalf("name: %q", def.Name)
	}
	if len(def.Steps) != 5 {
		t.Fatalf("expected 5 top-level steps, got %d", len(def.Steps))
	}

	// Built definitions satisfy the same constraints as parsed ones.
	if err := definition.Validate(def); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	checks := def.Steps[1]
	if checks.Type != api.StepParallel || len(checks.Steps) != 2 {
		t.Fatalf("unexpected parallel step: %+v", checks)
	}
	if len(checks.DependsOn) != 1 || checks.DependsOn[0] != "build" {
		t.Fatalf("After not applied: %v", checks.DependsOn)
	}

	loop := def.Steps[3]
	if loop.Type != api.StepRecurring || loop.MaxIterations != 5 || loop.Until == "" {
		t.Fatalf("unexpected recurring step: %+v", loop)
	}

	ship := def.Steps[4]
	if ship.Type != api.StepHuman || ship.Prompt == "" {
		t.Fatalf("unexpected human step: %+v", ship)
	}
}

func TestBuilder_Panics(t *testing.T) {
	cases := map[string]func(){
		"empty step name":    func() { Task("", "x") },
		"empty instruction":  func() { Task("a", "") },
		"fanout no branches": func() { New("wf").Fanout("par") },
		"after before steps": func() { New("wf").After("x") },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			fn()
		})
	}
}

// Mutating a returned definition must not leak back into the builder.
func TestBuilder_DefinitionIsACopy(t *testing.T) {
	b := New("wf").Do("a", "do it")
	def := b.Definition()
	def.Name = "mutated"

	if b.Name() != "wf" {
		t.Fatalf("builder mutated through returned definition")
	}
}
