// Package validation scores extracted variables against a hand-abstracted
// gold standard.
package validation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkoziy/radiant/pipeline/internal/models"
)

// Values is one or more expected values of a variable. In YAML it may be
// written as a scalar or a sequence.
type Values []string

func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = nil
			return nil
		}
		*v = Values{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*v = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a value or a list of values", node.Line)
	}
}

// Dataset maps patient → variable → values.
type Dataset map[string]map[string]Values

// GoldStandard is the reference abstraction a run is scored against.
type GoldStandard struct {
	// Threshold is the default pass mark in [0,1].
	Threshold float64 `yaml:"threshold"`
	Patients  Dataset `yaml:"patients"`
}

// LoadGoldStandard reads a YAML gold standard file.
func LoadGoldStandard(path string) (*GoldStandard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gold standard: %w", err)
	}

	var gs GoldStandard
	if err := yaml.Unmarshal(data, &gs); err != nil {
		return nil, fmt.Errorf("parse gold standard %s: %w", path, err)
	}
	if len(gs.Patients) == 0 {
		return nil, fmt.Errorf("gold standard %s has no patients", path)
	}
	if gs.Threshold < 0 || gs.Threshold > 1 {
		return nil, fmt.Errorf("gold standard threshold %v outside [0,1]", gs.Threshold)
	}
	return &gs, nil
}

// LoadDataset reads extracted values from YAML or JSON in the same
// patient → variable → value shape.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if ds == nil {
		ds = Dataset{}
	}
	return ds, nil
}

// FromExtractions builds a dataset from run-store rows. Rows without a
// found value are left out so they score as missing.
func FromExtractions(rows []*models.Extraction) Dataset {
	ds := Dataset{}
	for _, r := range rows {
		if !r.Found() {
			continue
		}
		vars, ok := ds[r.PatientID]
		if !ok {
			vars = map[string]Values{}
			ds[r.PatientID] = vars
		}
		vars[r.Variable] = splitValues(r.Value)
	}
	return ds
}

func splitValues(s string) Values {
	var out Values
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
