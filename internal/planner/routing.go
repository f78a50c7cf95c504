package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"majordomo.app/conductor/internal/model"
)

// routingFile is the on-disk routing config. Routes map an intent prefix to
// a department name, letting operators alias legacy prefixes without a
// deploy.
type routingFile struct {
	Routes map[string]string `yaml:"routes"`
}

// LoadTable reads routing overrides from a YAML file and merges them over
// the default table. Every route must point at a known department.
func LoadTable(path string) (map[string]model.Department, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing config: %w", err)
	}

	var file routingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing routing config: %w", err)
	}

	table := DefaultTable()
	for prefix, name := range file.Routes {
		if prefix == "" {
			return nil, fmt.Errorf("routing config: empty intent prefix")
		}
		department := model.Department(name)
		if !department.IsValid() {
			return nil, fmt.Errorf("routing config: route %q points at unknown department %q", prefix, name)
		}
		table[prefix] = department
	}

	return table, nil
}
