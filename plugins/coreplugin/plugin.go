// Package coreplugin provides the node types and dependencies every agent
// spell can use: message events, lifecycle events, actions, flow control,
// string templates, counters, delays and graph outputs.
package coreplugin

import (
	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/registry"
)

// Dependency keys and event names contributed by the plugin.
const (
	// EmitterKey is the emitter message events are delivered on.
	EmitterKey = "core"
	// ActionsKey resolves the Actions used by action nodes.
	ActionsKey = "IActionService"

	// MessageReceived is the event name of inbound messages.
	MessageReceived = "messageReceived"

	// SendMessageAction is the action name of core/sendMessage.
	SendMessageAction = "sendMessage"
)

var (
	flowIn  = core.Socket{Name: "flow", ValueType: core.FlowValueType}
	flowOut = core.Socket{Name: "flow", ValueType: core.FlowValueType}
)

func socket(name, valueType string) core.Socket {
	return core.Socket{Name: name, ValueType: valueType}
}

// Plugin contributes the core node types. Actions may be nil, in which case
// action nodes fail when triggered.
type Plugin struct {
	Actions registry.Actions
}

// New returns the core plugin performing actions through actions.
func New(actions registry.Actions) *Plugin {
	return &Plugin{Actions: actions}
}

var _ registry.Provider = (*Plugin)(nil)

func (p *Plugin) Name() string { return "core" }

// Contribute returns the node types plus a fresh message emitter, so every
// spell registry assembled from the plugin gets its own.
func (p *Plugin) Contribute() registry.Partial {
	deps := []registry.Dependency{
		{Key: EmitterKey, Capability: registry.CapabilityEmitter, Value: registry.NewEmitter()},
	}
	if p.Actions != nil {
		deps = append(deps, registry.Dependency{Key: ActionsKey, Capability: registry.CapabilityActions, Value: p.Actions})
	}
	return registry.Partial{
		Name:         p.Name(),
		Nodes:        NodeDefinitions(),
		Dependencies: deps,
	}
}

// NodeDefinitions returns the node types of the plugin.
func NodeDefinitions() []core.NodeDefinition {
	return []core.NodeDefinition{
		onMessageDefinition(),
		lifecycleDefinition("lifecycle/onStart", "On Start", registry.LifecycleStart),
		lifecycleDefinition("lifecycle/onTick", "On Tick", registry.LifecycleTick),
		lifecycleDefinition("lifecycle/onEnd", "On End", registry.LifecycleEnd),
		sendMessageDefinition(),
		outputDefinition(),
		branchDefinition(),
		templateDefinition(),
		counterDefinition(),
		delayDefinition(),
	}
}
