package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a workflow graph from a YAML or JSON file, detected by
// extension, and validates it.
func Load(path string) (*Graph, error) {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path)
	}
	return LoadYAML(path)
}

// LoadYAML reads a workflow graph from a YAML file.
func LoadYAML(path string) (*Graph, error) {
	// #nosec G304 -- path is provided by the caller (library function); callers should validate/lock down inputs if untrusted.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", path, err)
	}

	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadJSON reads a workflow graph from a JSON file.
func LoadJSON(path string) (*Graph, error) {
	// #nosec G304 -- path is provided by the caller (library function); callers should validate/lock down inputs if untrusted.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", path, err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveYAML writes a workflow graph to a YAML file.
func SaveYAML(path string, g *Graph) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write graph file: %w", err)
	}
	return nil
}
