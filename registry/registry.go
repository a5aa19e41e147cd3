// Package registry merges the node types, value types and capability
// dependencies contributed by plugins into one immutable table consumed by
// the graph compiler and scheduler.
package registry

import (
	"github.com/petal-labs/grimoire/core"
)

// Well-known dependency keys provided by the scheduler itself.
const (
	LifecycleKey = "ILifecycleEventEmitter"
	LoggerKey    = "ILogger"
)

// Partial is the contribution of one plugin. Order inside each slice is
// preserved in the merged registry.
type Partial struct {
	Name         string
	Nodes        []core.NodeDefinition
	Values       []core.ValueType
	Dependencies []Dependency
}

// Provider contributes a partial registry. Contribute must be free of side
// effects other than allocating the returned values.
type Provider interface {
	Name() string
	Contribute() Partial
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ProviderName string
	Fn           func() Partial
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Contribute() Partial {
	part := p.Fn()
	if part.Name == "" {
		part.Name = p.ProviderName
	}
	return part
}

// Registry is the merged, read-only table. It is safe for concurrent use
// because nothing mutates it after Merge returns.
type Registry struct {
	nodes      map[string]core.NodeDefinition
	nodeOrder  []string
	values     map[string]core.ValueType
	valueOrder []string
	deps       map[string]Dependency
	depOrder   []string
}

func newRegistry() *Registry {
	return &Registry{
		nodes:  make(map[string]core.NodeDefinition),
		values: make(map[string]core.ValueType),
		deps:   make(map[string]Dependency),
	}
}

// Node returns a node type definition by type name.
func (r *Registry) Node(typeName string) (core.NodeDefinition, bool) {
	def, ok := r.nodes[typeName]
	return def, ok
}

// NodeTypes returns all node types in first-registration order.
func (r *Registry) NodeTypes() []core.NodeDefinition {
	result := make([]core.NodeDefinition, 0, len(r.nodeOrder))
	for _, name := range r.nodeOrder {
		result = append(result, r.nodes[name])
	}
	return result
}

// ValueType returns a value type codec by name.
func (r *Registry) ValueType(name string) (core.ValueType, bool) {
	vt, ok := r.values[name]
	return vt, ok
}

// Dependency returns a dependency entry by key.
func (r *Registry) Dependency(key string) (Dependency, bool) {
	d, ok := r.deps[key]
	return d, ok
}

// Emitter returns the dependency at key if it is an event-style capability.
func (r *Registry) Emitter(key string) (Emitter, bool) {
	d, ok := r.deps[key]
	if !ok {
		return nil, false
	}
	if d.Capability != CapabilityEmitter && d.Capability != CapabilityLifecycle {
		return nil, false
	}
	em, ok := d.Value.(Emitter)
	return em, ok
}

// Lookup resolves a dependency value by key with a type assertion.
func Lookup[T any](r *Registry, key string) (T, bool) {
	var zero T
	d, ok := r.deps[key]
	if !ok {
		return zero, false
	}
	v, ok := d.Value.(T)
	return v, ok
}

// Partial re-exports the registry as a single partial, so a shared registry
// can be merged again with instance-scoped dependencies.
func (r *Registry) Partial() Partial {
	p := Partial{Name: "registry"}
	for _, name := range r.nodeOrder {
		p.Nodes = append(p.Nodes, r.nodes[name])
	}
	for _, name := range r.valueOrder {
		p.Values = append(p.Values, r.values[name])
	}
	for _, key := range r.depOrder {
		p.Dependencies = append(p.Dependencies, r.deps[key])
	}
	return p
}

// Len returns the sizes of the node, value and dependency tables.
func (r *Registry) Len() (nodes, values, deps int) {
	return len(r.nodes), len(r.values), len(r.deps)
}
