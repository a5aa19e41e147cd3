package loader

import (
	"encoding/json"
	"testing"
)

func TestDetectSchema(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		path    string
		want    SchemaKind
		wantErr bool
	}{
		{"spell json", `{"id": "s", "graph": {"nodes": []}}`, "s.json", SchemaKindSpell, false},
		{"graph json", `{"nodes": []}`, "g.json", SchemaKindGraph, false},
		{"spell yaml", "id: s\ngraph:\n  nodes: []\n", "s.yaml", SchemaKindSpell, false},
		{"graph yml", "nodes: []\n", "g.yml", SchemaKindGraph, false},
		{"graph without nodes", `{"graph": {}}`, "s.json", "", true},
		{"unknown", `{"name": "x"}`, "x.json", "", true},
		{"invalid json", `{`, "x.json", "", true},
		{"invalid yaml", "nodes: [\n", "x.yaml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectSchema([]byte(tt.data), tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DetectSchema() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsYAML(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"spell.yaml", true},
		{"spell.YML", true},
		{"spell.json", false},
		{"spell", false},
	}
	for _, tt := range tests {
		if got := isYAML(tt.path); got != tt.want {
			t.Errorf("isYAML(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestYamlToJSON(t *testing.T) {
	data, err := yamlToJSON([]byte("nodes:\n  - id: a\n    type: x\n"))
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	nodes, _ := raw["nodes"].([]any)
	if len(nodes) != 1 {
		t.Errorf("nodes = %v, want one node", raw["nodes"])
	}
}
