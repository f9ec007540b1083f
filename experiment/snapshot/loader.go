package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/suzuki-shunsuke/go-convmap/convmap"
	"gopkg.in/yaml.v3"

	"github.com/expkit/experimenter/experiment"
)

// definitionsDoc is the decoded shape of a YAML definitions file. Parameters
// are lists so the author's ordering is preserved.
type definitionsDoc struct {
	Defaults    []definitionParameter  `json:"defaults"`
	Experiments []definitionExperiment `json:"experiments"`
	Selection   []string               `json:"selection"`
}

type definitionExperiment struct {
	ID         string                `json:"id"`
	Parameters []definitionParameter `json:"parameters"`
}

type definitionParameter struct {
	Name    string                   `json:"name"`
	Kind    experiment.ParameterKind `json:"kind"`
	Value   any                      `json:"value"`
	Min     *float64                 `json:"min"`
	Max     *float64                 `json:"max"`
	Choices []string                 `json:"choices"`
	Comment string                   `json:"comment"`
}

// LoadDefinitions reads a YAML definitions file and builds an experiment set
// at revision zero, all experiments pending. The defaults block provides the
// parameter template; each experiment starts from the template and overrides
// the parameters it lists. Experiments without an id get the next free
// generated one.
func LoadDefinitions(path string) (experiment.Set, experiment.Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to read definitions file: %w", err)
	}

	return ParseDefinitions(data)
}

// ParseDefinitions builds an experiment set from YAML definitions content.
func ParseDefinitions(data []byte) (experiment.Set, experiment.Parameters, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to parse definitions YAML: %w", err)
	}

	// Convert the YAML-decoded tree to a JSON-safe form so the document can
	// be decoded with the same machinery as the wire format.
	jsonSafe, err := convmap.Convert(raw, nil)
	if err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to convert definitions: %w", err)
	}
	encoded, err := json.Marshal(jsonSafe)
	if err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to marshal definitions: %w", err)
	}

	var doc definitionsDoc
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("failed to decode definitions: %w", err)
	}

	defaults, err := buildParameters(doc.Defaults, experiment.NewParameters())
	if err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("defaults: %w", err)
	}
	if err := defaults.Validate(); err != nil {
		return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("defaults: %w", err)
	}

	set := experiment.NewSet()
	for i, def := range doc.Experiments {
		params, err := buildParameters(def.Parameters, defaults)
		if err != nil {
			return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("experiment %d: %w", i, err)
		}

		id := def.ID
		if id == "" {
			id = set.NextID()
		}
		if set.Contains(id) {
			return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("duplicate experiment id %q", id)
		}

		e := experiment.Experiment{ID: id, Parameters: params, Status: experiment.StatusPending}
		if err := e.Validate(); err != nil {
			return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("experiment %q: %w", id, err)
		}
		set.Experiments = append(set.Experiments, e)
	}

	for _, id := range doc.Selection {
		if !set.Contains(id) {
			return experiment.Set{}, experiment.Parameters{}, fmt.Errorf("selection references unknown experiment %q", id)
		}
		set.Selection.Add(id)
	}

	return set, defaults, nil
}

// buildParameters merges the listed parameters over the template. Fields not
// set on an entry are inherited from the template parameter under the same
// name; the value itself is always taken from the entry.
func buildParameters(entries []definitionParameter, template experiment.Parameters) (experiment.Parameters, error) {
	params := template.Clone()
	for _, entry := range entries {
		if entry.Name == "" {
			return experiment.Parameters{}, fmt.Errorf("parameter entry is missing a name")
		}

		p := experiment.Parameter{
			Kind:    entry.Kind,
			Value:   entry.Value,
			Min:     entry.Min,
			Max:     entry.Max,
			Choices: entry.Choices,
			Comment: entry.Comment,
		}
		if base, ok := params.Get(entry.Name); ok {
			if p.Kind == "" {
				p.Kind = base.Kind
			}
			if p.Min == nil {
				p.Min = base.Min
			}
			if p.Max == nil {
				p.Max = base.Max
			}
			if p.Choices == nil {
				p.Choices = base.Choices
			}
			if p.Comment == "" {
				p.Comment = base.Comment
			}
		}
		if p.Kind == "" {
			p.Kind = inferKind(p.Value)
		}
		params.Set(entry.Name, p)
	}

	return params, nil
}

// inferKind maps a decoded YAML value to the most specific parameter kind.
func inferKind(v any) experiment.ParameterKind {
	switch v.(type) {
	case bool:
		return experiment.KindBool
	case json.Number, float64, int:
		return experiment.KindNumber
	default:
		return experiment.KindString
	}
}
