package definition

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/api"
)

// document is the YAML shape of a workflow definition file. It is kept
// separate from api.Definition so the wire schema can evolve without
// touching the engine's types.
type document struct {
	Name      string         `yaml:"name"`
	Settings  settingsDoc    `yaml:"settings"`
	Variables map[string]any `yaml:"variables"`
	Steps     []stepDoc      `yaml:"steps"`
}

type settingsDoc struct {
	MaxRetries   int    `yaml:"max_retries"`
	StepTimeout  string `yaml:"step_timeout"`
	WorkerLimit  int    `yaml:"worker_limit"`
	Merge        string `yaml:"merge"`
	KeepBranches bool   `yaml:"keep_branches"`
	GracePeriod  string `yaml:"grace_period"`
}

type stepDoc struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on"`

	MaxRetries *int `yaml:"max_retries"`

	Instruction string `yaml:"instruction"`

	Steps []stepDoc `yaml:"steps"`

	Merge      string `yaml:"merge"`
	Workers    int    `yaml:"workers"`
	OnConflict string `yaml:"on_conflict"`

	Condition string    `yaml:"condition"`
	Then      []stepDoc `yaml:"then"`
	Else      []stepDoc `yaml:"else"`

	MaxIterations int    `yaml:"max_iterations"`
	Until         string `yaml:"until"`

	Prompt       string `yaml:"prompt"`
	PollInterval string `yaml:"poll_interval"`
	WaitTimeout  string `yaml:"wait_timeout"`
	OnTimeout    string `yaml:"on_timeout"`
}

// Parse loads and validates a workflow definition from YAML. It performs no
// execution side effects. Any violated constraint is reported as an
// *api.ParseError naming the exact field and reason.
func Parse(data []byte) (*api.Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &api.ParseError{Field: "document", Reason: fmt.Sprintf("malformed YAML: %v", err)}
	}

	def, err := build(&doc)
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseFile reads path and parses it with Parse.
func ParseFile(path string) (*api.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	return Parse(data)
}

func build(doc *document) (*api.Definition, error) {
	settings, err := buildSettings(&doc.Settings)
	if err != nil {
		return nil, err
	}

	steps, err := buildSteps(doc.Steps, "steps")
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(doc.Variables))
	for k, v := range doc.Variables {
		vars[k] = v
	}

	return &api.Definition{
		Name:      doc.Name,
		Settings:  settings,
		Variables: vars,
		Steps:     steps,
	}, nil
}

func buildSettings(doc *settingsDoc) (api.Settings, error) {
	s := api.Settings{
		MaxRetries:   doc.MaxRetries,
		WorkerLimit:  doc.WorkerLimit,
		Merge:        api.MergePolicy(doc.Merge),
		KeepBranches: doc.KeepBranches,
	}
	var err error
	if s.StepTimeout, err = parseDuration(doc.StepTimeout, "settings.step_timeout"); err != nil {
		return s, err
	}
	if s.GracePeriod, err = parseDuration(doc.GracePeriod, "settings.grace_period"); err != nil {
		return s, err
	}
	return s, nil
}

func buildSteps(docs []stepDoc, field string) ([]api.Step, error) {
	steps := make([]api.Step, 0, len(docs))
	for i, d := range docs {
		step, err := buildStep(&d, fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func buildStep(doc *stepDoc, field string) (api.Step, error) {
	step := api.Step{
		Name:          doc.Name,
		Type:          api.StepType(doc.Type),
		DependsOn:     doc.DependsOn,
		MaxRetries:    doc.MaxRetries,
		Instruction:   doc.Instruction,
		Merge:         api.MergePolicy(doc.Merge),
		Workers:       doc.Workers,
		OnConflict:    doc.OnConflict,
		Condition:     doc.Condition,
		MaxIterations: doc.MaxIterations,
		Until:         doc.Until,
		Prompt:        doc.Prompt,
		OnTimeout:     api.TimeoutAction(doc.OnTimeout),
	}

	var err error
	if step.PollInterval, err = parseDuration(doc.PollInterval, field+".poll_interval"); err != nil {
		return step, err
	}
	if step.WaitTimeout, err = parseDuration(doc.WaitTimeout, field+".wait_timeout"); err != nil {
		return step, err
	}

	if step.Steps, err = buildSteps(doc.Steps, field+".steps"); err != nil {
		return step, err
	}
	if step.Then, err = buildSteps(doc.Then, field+".then"); err != nil {
		return step, err
	}
	if step.Else, err = buildSteps(doc.Else, field+".else"); err != nil {
		return step, err
	}

	return step, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &api.ParseError{Field: field, Reason: fmt.Sprintf("invalid duration %q", s)}
	}
	return d, nil
}
