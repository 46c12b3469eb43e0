package definition

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/api"
)

// Serialize renders a definition back to YAML such that
// Parse(Serialize(def)) yields a semantically equivalent definition.
func Serialize(def *api.Definition) ([]byte, error) {
	doc := document{
		Name: def.Name,
		Settings: settingsDoc{
			MaxRetries:   def.Settings.MaxRetries,
			WorkerLimit:  def.Settings.WorkerLimit,
			Merge:        string(def.Settings.Merge),
			KeepBranches: def.Settings.KeepBranches,
		},
		Variables: def.Variables,
		Steps:     serializeSteps(def.Steps),
	}
	if def.Settings.StepTimeout > 0 {
		doc.Settings.StepTimeout = def.Settings.StepTimeout.String()
	}
	if def.Settings.GracePeriod > 0 {
		doc.Settings.GracePeriod = def.Settings.GracePeriod.String()
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("serialize definition: %w", err)
	}
	return data, nil
}

func serializeSteps(steps []api.Step) []stepDoc {
	if len(steps) == 0 {
		return nil
	}
	docs := make([]stepDoc, 0, len(steps))
	for _, s := range steps {
		d := stepDoc{
			Name:          s.Name,
			Type:          string(s.Type),
			DependsOn:     s.DependsOn,
			MaxRetries:    s.MaxRetries,
			Instruction:   s.Instruction,
			Steps:         serializeSteps(s.Steps),
			Merge:         string(s.Merge),
			Workers:       s.Workers,
			OnConflict:    s.OnConflict,
			Condition:     s.Condition,
			Then:          serializeSteps(s.Then),
			Else:          serializeSteps(s.Else),
			MaxIterations: s.MaxIterations,
			Until:         s.Until,
			Prompt:        s.Prompt,
			OnTimeout:     string(s.OnTimeout),
		}
		if s.PollInterval > 0 {
			d.PollInterval = s.PollInterval.String()
		}
		if s.WaitTimeout > 0 {
			d.WaitTimeout = s.WaitTimeout.String()
		}
		docs = append(docs, d)
	}
	return docs
}
