package stage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile mirrors the YAML override schema. Every field is optional;
// missing fields keep the built-in value.
type catalogFile struct {
	Stages []struct {
		Name                   string    `yaml:"name"`
		Bonus                  *float64  `yaml:"bonus"`
		RequiredQualifiedSlots *int      `yaml:"required_qualified_slots"`
		MatrixFanOut           *int      `yaml:"matrix_fan_out"`
		Prerequisite           *string   `yaml:"prerequisite"`
		Incentives             *[]string `yaml:"incentives"`
	} `yaml:"stages"`
}

// Load returns the default catalog with the overrides found at path applied.
// An empty path yields the defaults.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage catalog: %w", err)
	}
	return ParseYAML(raw)
}

func ParseYAML(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode stage catalog: %w", err)
	}

	entries := Default().Entries()
	for _, row := range file.Stages {
		s, err := Parse(row.Name)
		if err != nil {
			return nil, fmt.Errorf("stage catalog: %q: %w", row.Name, err)
		}
		e := &entries[s]
		if row.Bonus != nil {
			if *row.Bonus < 0 {
				return nil, fmt.Errorf("stage catalog: %s: bonus must be >= 0", s)
			}
			e.BonusMicros = UnitsToMicros(*row.Bonus)
		}
		if row.RequiredQualifiedSlots != nil {
			e.RequiredQualifiedSlots = *row.RequiredQualifiedSlots
		}
		if row.MatrixFanOut != nil {
			e.MatrixFanOut = *row.MatrixFanOut
		}
		if row.Prerequisite != nil {
			prereq := strings.ToLower(strings.TrimSpace(*row.Prerequisite))
			if prereq == "" || prereq == "none" {
				e.Gated = false
				e.Prerequisite = 0
			} else {
				p, err := Parse(prereq)
				if err != nil {
					return nil, fmt.Errorf("stage catalog: %s prerequisite %q: %w", s, prereq, err)
				}
				e.Gated = true
				e.Prerequisite = p
			}
		}
		if row.Incentives != nil {
			e.Incentives = *row.Incentives
		}
	}
	return New(entries)
}
