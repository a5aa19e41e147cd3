package coreplugin

import (
	"errors"
	"fmt"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/registry"
)

// ErrNoActions is returned by action nodes when no Actions dependency is
// registered.
var ErrNoActions = errors.New("no action service registered")

type sendMessageNode struct{}

func (sendMessageNode) Trigger(nc core.NodeContext, _ string) error {
	actions, ok := core.Dependency[registry.Actions](nc, ActionsKey)
	if !ok {
		return ErrNoActions
	}
	event, ok := nc.CurrentEvent()
	if !ok {
		return errors.New("sendMessage outside of an event")
	}
	content := core.ReadString(nc, "content")
	if err := actions.Handle(nc.Context(), registry.ActionPayload{
		Name:  SendMessageAction,
		Event: event,
		Data:  content,
	}); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	nc.Commit("flow")
	return nil
}

func sendMessageDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "core/sendMessage",
		Category: core.NodeCategoryAction,
		Label:    "Send Message",
		In:       []core.Socket{flowIn, socket("content", "string")},
		Out:      []core.Socket{flowOut},
		New: func(map[string]any) (core.Node, error) {
			return sendMessageNode{}, nil
		},
	}
}

type outputConfig struct {
	Name string `config:"name"`
}

// outputNode records its value input as a graph output of the current event.
type outputNode struct {
	name string
}

func (n *outputNode) Trigger(nc core.NodeContext, _ string) error {
	nc.SetOutput(n.name, nc.Read("value"))
	nc.Commit("flow")
	return nil
}

func outputDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "graph/output",
		Category: core.NodeCategoryAction,
		Label:    "Output",
		In:       []core.Socket{flowIn, socket("value", "any")},
		Out:      []core.Socket{flowOut},
		New: func(raw map[string]any) (core.Node, error) {
			var cfg outputConfig
			if err := core.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			if cfg.Name == "" {
				cfg.Name = "output"
			}
			return &outputNode{name: cfg.Name}, nil
		},
	}
}
