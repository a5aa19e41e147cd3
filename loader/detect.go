// Package loader reads spell files in JSON and YAML formats.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaKind identifies the shape of a spell file.
type SchemaKind string

const (
	// SchemaKindSpell is a full spell: id, name, projectId and a graph.
	SchemaKindSpell SchemaKind = "spell"
	// SchemaKindGraph is a bare graph definition (top-level nodes).
	SchemaKindGraph SchemaKind = "graph"
)

// DetectSchema detects the schema kind from file content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. If it has a "graph" object -> spell
//  3. If it has "nodes" -> bare graph
//  4. Else error
func DetectSchema(data []byte, filePath string) (SchemaKind, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if g, ok := raw["graph"].(map[string]any); ok && hasKey(g, "nodes") {
		return SchemaKindSpell, nil
	}
	if hasKey(raw, "nodes") {
		return SchemaKindGraph, nil
	}
	return "", fmt.Errorf("unable to detect schema format: file is neither a spell nor a graph")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML bytes to JSON so both formats decode through the
// same json tags: YAML -> any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
