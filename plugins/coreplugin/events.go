package coreplugin

import (
	"fmt"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/registry"
)

// listenerNode commits its flow output whenever its event is emitted on the
// dependency it listens to.
type listenerNode struct {
	dependency string
	event      string
	write      func(nc core.NodeContext, env core.Envelope)
	off        func()
}

func (n *listenerNode) Init(nc core.NodeContext) error {
	em, ok := core.Dependency[registry.Emitter](nc, n.dependency)
	if !ok {
		return fmt.Errorf("emitter %q not available", n.dependency)
	}
	n.off = em.On(n.event, func(env core.Envelope) {
		if n.write != nil {
			n.write(nc, env)
		}
		nc.Commit("flow")
	})
	return nil
}

func (n *listenerNode) Dispose(core.NodeContext) {
	if n.off != nil {
		n.off()
		n.off = nil
	}
}

func onMessageDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "core/onMessage",
		Category: core.NodeCategoryEvent,
		Label:    "On Message",
		Out: []core.Socket{
			flowOut,
			socket("content", "string"),
			socket("sender", "string"),
			socket("channel", "string"),
			socket("event", "object"),
		},
		New: func(map[string]any) (core.Node, error) {
			return &listenerNode{
				dependency: EmitterKey,
				event:      MessageReceived,
				write: func(nc core.NodeContext, env core.Envelope) {
					nc.Write("content", env.Content)
					nc.Write("sender", env.Sender)
					nc.Write("channel", env.Channel)
					nc.Write("event", env.Fields())
				},
			}, nil
		},
	}
}

func lifecycleDefinition(typeName, label, event string) core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: typeName,
		Category: core.NodeCategoryEvent,
		Label:    label,
		Out:      []core.Socket{flowOut},
		New: func(map[string]any) (core.Node, error) {
			return &listenerNode{dependency: registry.LifecycleKey, event: event}, nil
		},
	}
}
