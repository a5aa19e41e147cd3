package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/grimoire/graph"
)

// Option configures loading.
type Option func(*options)

type options struct {
	types graph.NodeTypes
}

// WithNodeTypes enables registry-aware validation of the loaded graph.
func WithNodeTypes(types graph.NodeTypes) Option {
	return func(o *options) { o.types = types }
}

// LoadSpell reads a spell or bare graph file and validates it. A bare graph
// gets its spell ID from the file name.
func LoadSpell(path string, opts ...Option) (*graph.Spell, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseSpell(data, path, opts...)
}

// ParseSpell decodes spell bytes; path selects the format and names bare
// graphs.
func ParseSpell(data []byte, path string, opts ...Option) (*graph.Spell, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	kind, err := DetectSchema(data, path)
	if err != nil {
		return nil, err
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var spell graph.Spell
	switch kind {
	case SchemaKindSpell:
		if err := json.Unmarshal(jsonData, &spell); err != nil {
			return nil, fmt.Errorf("parsing spell: %w", err)
		}
	case SchemaKindGraph:
		if err := json.Unmarshal(jsonData, &spell.Graph); err != nil {
			return nil, fmt.Errorf("parsing graph definition: %w", err)
		}
	}
	if spell.ID == "" {
		spell.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if spell.Name == "" {
		spell.Name = spell.ID
	}

	var diags []graph.Diagnostic
	if o.types != nil {
		diags = spell.Graph.ValidateWithRegistry(o.types)
	} else {
		diags = spell.Graph.Validate()
	}
	if graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return &spell, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
