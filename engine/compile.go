// Package engine compiles a spell graph against a registry and executes its
// nodes: flow nodes in FIFO commit order, function nodes on demand, async
// nodes off the loop with their continuations applied back on it.
package engine

import (
	"errors"
	"fmt"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/registry"
)

// ErrInvalidGraph wraps validation failures returned by Compile.
var ErrInvalidGraph = errors.New("invalid graph")

type nodeKind int

const (
	kindEvent nodeKind = iota + 1
	kindFlow
	kindFunction
	kindAsync
)

func (k nodeKind) String() string {
	switch k {
	case kindEvent:
		return "event"
	case kindFlow:
		return "flow"
	case kindFunction:
		return "function"
	case kindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// binding resolves one input socket.
type binding struct {
	socket core.Socket
	value  any         // literal or default
	link   *graph.Link // upstream output, when linked
}

// Instance is one compiled node.
type Instance struct {
	ID       string
	Type     string
	Category core.NodeCategory
	Config   map[string]any
	Node     core.Node

	kind    nodeKind
	inputs  map[string]binding
	outputs map[string]core.Socket
	flows   map[string]graph.Link
	values  map[string]any // written output values
}

// Graph is a compiled spell. It is built once per scheduler and discarded on
// dispose.
type Graph struct {
	SpellID   string
	ProjectID string
	Inputs    []graph.SocketDef
	Outputs   []graph.SocketDef

	nodes []*Instance
	byID  map[string]*Instance
}

// Nodes returns the node instances in definition order.
func (g *Graph) Nodes() []*Instance {
	return g.nodes
}

// Node returns a node instance by ID.
func (g *Graph) Node(id string) (*Instance, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Stateful returns the nodes whose state persists per state key.
func (g *Graph) Stateful() map[string]core.Stateful {
	out := make(map[string]core.Stateful)
	for _, n := range g.nodes {
		if s, ok := n.Node.(core.Stateful); ok {
			out[n.ID] = s
		}
	}
	return out
}

// Compile validates the spell against the registry, instantiates every node
// and resolves socket bindings. Literal parameters are deserialized through
// the registry's value types.
func Compile(spell graph.Spell, reg *registry.Registry) (*Graph, error) {
	def := spell.Graph
	if diags := def.ValidateWithRegistry(reg); graph.HasErrors(diags) {
		return nil, fmt.Errorf("%w: spell %s: %w", ErrInvalidGraph, spell.ID, graph.Join(diags))
	}

	g := &Graph{
		SpellID:   spell.ID,
		ProjectID: spell.ProjectID,
		Inputs:    def.Inputs,
		Outputs:   def.Outputs,
		byID:      make(map[string]*Instance, len(def.Nodes)),
	}

	for _, nd := range def.Nodes {
		nodeDef, _ := reg.Node(nd.Type)
		inst, err := instantiate(nd, nodeDef, reg)
		if err != nil {
			return nil, err
		}
		g.nodes = append(g.nodes, inst)
		g.byID[inst.ID] = inst
	}
	return g, nil
}

func instantiate(nd graph.NodeDef, def core.NodeDefinition, reg *registry.Registry) (*Instance, error) {
	node, err := def.New(nd.Configuration)
	if err != nil {
		return nil, fmt.Errorf("creating node %q (type %q): %w", nd.ID, nd.Type, err)
	}
	kind, err := classify(node)
	if err != nil {
		return nil, fmt.Errorf("node %q (type %q): %w", nd.ID, nd.Type, err)
	}

	inst := &Instance{
		ID:       nd.ID,
		Type:     nd.Type,
		Category: def.Category,
		Config:   nd.Configuration,
		Node:     node,
		kind:     kind,
		inputs:   make(map[string]binding),
		outputs:  make(map[string]core.Socket),
		flows:    make(map[string]graph.Link, len(nd.Flows)),
		values:   make(map[string]any),
	}
	for _, s := range def.Outputs(nd.Configuration) {
		inst.outputs[s.Name] = s
	}
	for name, link := range nd.Flows {
		inst.flows[name] = link
	}

	for _, s := range def.Inputs(nd.Configuration) {
		if s.IsFlow() {
			continue
		}
		vt, hasType := reg.ValueType(s.ValueType)
		b := binding{socket: s}
		p, hasParam := nd.Parameters[s.Name]
		switch {
		case hasParam && p.Link != nil:
			link := *p.Link
			b.link = &link
		case hasParam && hasType && vt.Deserialize != nil:
			v, err := vt.Deserialize(p.Value)
			if err != nil {
				return nil, fmt.Errorf("node %q parameter %q: %w", nd.ID, s.Name, err)
			}
			b.value = v
		case hasParam:
			b.value = p.Value
		case hasType && vt.Default != nil:
			b.value = vt.Default()
		}
		inst.inputs[s.Name] = b
	}
	return inst, nil
}

func classify(node core.Node) (nodeKind, error) {
	switch node.(type) {
	case core.EventNode:
		return kindEvent, nil
	case core.AsyncNode:
		return kindAsync, nil
	case core.FlowNode:
		return kindFlow, nil
	case core.FunctionNode:
		return kindFunction, nil
	default:
		return 0, fmt.Errorf("%T implements no node contract", node)
	}
}
