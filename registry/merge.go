package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryConflict is matched by *ConflictError in strict mode.
	ErrRegistryConflict = errors.New("registry conflict")
	// ErrInvalidDependency is returned when a dependency value does not
	// implement the interface of its declared capability.
	ErrInvalidDependency = errors.New("invalid dependency")
	// ErrInvalidDefinition is returned for node or value types that cannot
	// be used (missing name or constructor).
	ErrInvalidDefinition = errors.New("invalid definition")
)

// Table names used in conflicts.
const (
	TableNodes        = "nodes"
	TableValues       = "values"
	TableDependencies = "dependencies"
)

// Conflict records one key defined by more than one partial.
type Conflict struct {
	Table    string
	Key      string
	Previous string // partial that defined the key first
	Next     string // partial that redefined it
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s %q: %s overridden by %s", c.Table, c.Key, c.Previous, c.Next)
}

// ConflictError lists every overlapping key found in strict mode.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("registry conflict: %s", strings.Join(parts, "; "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRegistryConflict
}

// MergeOption configures Merge.
type MergeOption func(*mergeConfig)

type mergeConfig struct {
	strict     bool
	onOverride func(Conflict)
}

// WithStrict rejects overlapping keys instead of letting the last partial win.
func WithStrict() MergeOption {
	return func(c *mergeConfig) { c.strict = true }
}

// WithOverrideHook observes every silent override in lenient mode.
func WithOverrideHook(fn func(Conflict)) MergeOption {
	return func(c *mergeConfig) { c.onOverride = fn }
}

// Merge unions the partials in order. By default a key defined by several
// partials resolves to the last one. The result is deterministic for a fixed
// order and Merge has no side effects besides calling the override hook.
func Merge(partials []Partial, opts ...MergeOption) (*Registry, error) {
	cfg := &mergeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := newRegistry()
	nodeOwner := make(map[string]string)
	valueOwner := make(map[string]string)
	depOwner := make(map[string]string)
	var conflicts []Conflict

	record := func(c Conflict) {
		if cfg.strict {
			conflicts = append(conflicts, c)
			return
		}
		if cfg.onOverride != nil {
			cfg.onOverride(c)
		}
	}

	for i, p := range partials {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("partial[%d]", i)
		}

		for _, def := range p.Nodes {
			if def.TypeName == "" || def.New == nil {
				return nil, fmt.Errorf("%w: node type %q from %s needs a type name and constructor", ErrInvalidDefinition, def.TypeName, name)
			}
			if prev, ok := nodeOwner[def.TypeName]; ok {
				record(Conflict{Table: TableNodes, Key: def.TypeName, Previous: prev, Next: name})
			} else {
				r.nodeOrder = append(r.nodeOrder, def.TypeName)
			}
			nodeOwner[def.TypeName] = name
			r.nodes[def.TypeName] = def
		}

		for _, vt := range p.Values {
			if vt.Name == "" {
				return nil, fmt.Errorf("%w: value type without a name from %s", ErrInvalidDefinition, name)
			}
			if prev, ok := valueOwner[vt.Name]; ok {
				record(Conflict{Table: TableValues, Key: vt.Name, Previous: prev, Next: name})
			} else {
				r.valueOrder = append(r.valueOrder, vt.Name)
			}
			valueOwner[vt.Name] = name
			r.values[vt.Name] = vt
		}

		for _, dep := range p.Dependencies {
			if err := dep.validate(); err != nil {
				return nil, fmt.Errorf("dependency from %s: %w", name, err)
			}
			if prev, ok := depOwner[dep.Key]; ok {
				record(Conflict{Table: TableDependencies, Key: dep.Key, Previous: prev, Next: name})
			} else {
				r.depOrder = append(r.depOrder, dep.Key)
			}
			depOwner[dep.Key] = name
			r.deps[dep.Key] = dep
		}
	}

	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}
	return r, nil
}

// Assemble asks each provider for its partial, in list order, and merges
// the results.
func Assemble(providers []Provider, opts ...MergeOption) (*Registry, error) {
	partials := make([]Partial, 0, len(providers))
	for _, p := range providers {
		part := p.Contribute()
		if part.Name == "" {
			part.Name = p.Name()
		}
		partials = append(partials, part)
	}
	return Merge(partials, opts...)
}
