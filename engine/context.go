package engine

import (
	"context"
	"log/slog"

	"github.com/petal-labs/grimoire/core"
)

// nodeContext is the core.NodeContext of one node instance.
type nodeContext struct {
	engine *Engine
	inst   *Instance
}

var _ core.NodeContext = (*nodeContext)(nil)

func (c *nodeContext) NodeID() string         { return c.inst.ID }
func (c *nodeContext) NodeType() string       { return c.inst.Type }
func (c *nodeContext) Config() map[string]any { return c.inst.Config }

// Read resolves an input socket: the upstream output when linked (evaluating
// a function node first), else the literal or default value.
func (c *nodeContext) Read(socket string) any {
	b, ok := c.inst.inputs[socket]
	if !ok {
		return nil
	}
	if b.link == nil {
		return b.value
	}
	src, ok := c.engine.graph.byID[b.link.NodeID]
	if !ok {
		return b.value
	}
	if src.kind == kindFunction && !c.engine.evaluate(src) {
		return nil
	}
	if v, ok := src.values[b.link.Socket]; ok {
		return v
	}
	return b.value
}

func (c *nodeContext) Write(socket string, value any) {
	c.inst.values[socket] = value
}

// Commit fires an output flow socket, queueing the linked node.
func (c *nodeContext) Commit(socket string) {
	if c.inst.kind == kindEvent {
		c.engine.commitEvent(c.inst, socket)
		return
	}
	c.engine.follow(c.inst, socket)
}

func (c *nodeContext) Dependency(key string) (any, bool) {
	d, ok := c.engine.reg.Dependency(key)
	if !ok {
		return nil, false
	}
	return d.Value, true
}

func (c *nodeContext) CurrentEvent() (core.Envelope, bool) {
	return c.engine.machine.Current()
}

func (c *nodeContext) SetOutput(name string, value any) {
	c.engine.machine.SetOutput(name, value)
}

func (c *nodeContext) Dispatch(dependency, eventName string, env core.Envelope) error {
	if c.engine.dispatch == nil {
		return ErrNoDispatcher
	}
	return c.engine.dispatch(dependency, eventName, env)
}

func (c *nodeContext) Context() context.Context {
	return c.engine.context()
}

func (c *nodeContext) Logger() *slog.Logger {
	return c.engine.logger.With("node_id", c.inst.ID, "node_type", c.inst.Type)
}
