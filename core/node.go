package core

import (
	"context"
	"log/slog"
)

// FlowValueType is the value type name of flow (control) sockets.
const FlowValueType = "flow"

// Socket describes one named input or output of a node.
type Socket struct {
	Name      string `json:"name"`
	ValueType string `json:"valueType"` // "flow", "string", "float", ...
}

// IsFlow reports whether the socket carries control flow instead of a value.
func (s Socket) IsFlow() bool {
	return s.ValueType == FlowValueType
}

// Node is the runtime instance built by a NodeDefinition. A node implements
// one of EventNode, FlowNode, FunctionNode or AsyncNode; the engine rejects
// instances implementing none of them.
type Node interface{}

// EventNode listens to a capability (message source, timer, lifecycle) and
// commits a flow socket when it fires.
type EventNode interface {
	// Init subscribes the node. It is called once when the engine is built.
	Init(nc NodeContext) error
	// Dispose releases subscriptions taken in Init.
	Dispose(nc NodeContext)
}

// FlowNode executes when one of its flow input sockets is triggered.
type FlowNode interface {
	Trigger(nc NodeContext, socket string) error
}

// FunctionNode is a pure node evaluated on demand when a downstream node
// reads one of its outputs.
type FunctionNode interface {
	Exec(nc NodeContext) error
}

// AsyncWork is the off-loop part of an async node. It returns a resume
// function applied on the scheduler loop once the work completes.
type AsyncWork func(ctx context.Context) (resume func(nc NodeContext) error, err error)

// AsyncNode starts asynchronous work when triggered. The engine tracks the
// work on the event state machine (await/finish) so the current event is not
// declared done while the work is outstanding.
type AsyncNode interface {
	TriggerAsync(nc NodeContext, socket string) (AsyncWork, error)
}

// Stateful nodes keep values that persist per event state key.
type Stateful interface {
	// State returns a snapshot of the node state to persist.
	State() map[string]any
	// SetState restores a snapshot; nil resets the node to its initial state.
	SetState(state map[string]any)
}

// NodeContext is the view a node has of the running graph.
type NodeContext interface {
	NodeID() string
	NodeType() string
	Config() map[string]any

	// Read returns the value of an input socket: a literal parameter, the
	// output of a linked node, or nil.
	Read(socket string) any
	// Write sets an output socket value.
	Write(socket string, value any)
	// Commit fires an output flow socket, scheduling the linked node.
	Commit(socket string)

	// Dependency resolves a registry dependency by key.
	Dependency(key string) (any, bool)
	// CurrentEvent returns the envelope being processed, if any.
	CurrentEvent() (Envelope, bool)
	// SetOutput records a graph-level output of the current event.
	SetOutput(name string, value any)
	// Dispatch delivers a new envelope through the owning scheduler.
	Dispatch(dependency, eventName string, env Envelope) error

	Context() context.Context
	Logger() *slog.Logger
}

// NodeDefinition is a registry node-type entry.
type NodeDefinition struct {
	TypeName string
	Category NodeCategory
	Label    string
	In       []Socket
	Out      []Socket

	// Sockets optionally derives extra sockets from the node configuration
	// (e.g. template placeholders). They are appended to In / Out.
	Sockets func(config map[string]any) (in, out []Socket)

	// New builds one node instance from its configuration.
	New func(config map[string]any) (Node, error)
}

// Inputs returns the static and configuration-derived input sockets.
func (d NodeDefinition) Inputs(config map[string]any) []Socket {
	in := append([]Socket(nil), d.In...)
	if d.Sockets != nil {
		extra, _ := d.Sockets(config)
		in = append(in, extra...)
	}
	return in
}

// Outputs returns the static and configuration-derived output sockets.
func (d NodeDefinition) Outputs(config map[string]any) []Socket {
	out := append([]Socket(nil), d.Out...)
	if d.Sockets != nil {
		_, extra := d.Sockets(config)
		out = append(out, extra...)
	}
	return out
}

// ValueType is a registry value-type entry: a codec for literal parameters.
type ValueType struct {
	Name string
	// Default returns the zero value used when an input is unbound.
	Default func() any
	// Deserialize converts a literal (usually decoded from JSON/YAML).
	Deserialize func(v any) (any, error)
}
