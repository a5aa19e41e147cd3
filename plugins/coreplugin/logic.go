package coreplugin

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/petal-labs/grimoire/core"
)

type branchNode struct{}

func (branchNode) Trigger(nc core.NodeContext, _ string) error {
	if core.ReadBool(nc, "condition") {
		nc.Commit("true")
	} else {
		nc.Commit("false")
	}
	return nil
}

func branchDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "flow/branch",
		Category: core.NodeCategoryFlow,
		Label:    "Branch",
		In:       []core.Socket{flowIn, socket("condition", "boolean")},
		Out: []core.Socket{
			{Name: "true", ValueType: core.FlowValueType},
			{Name: "false", ValueType: core.FlowValueType},
		},
		New: func(map[string]any) (core.Node, error) {
			return branchNode{}, nil
		},
	}
}

// socketInput declares one configuration-driven input socket.
type socketInput struct {
	Name      string `config:"name"`
	ValueType string `config:"valueType"`
}

type templateConfig struct {
	Text         string        `config:"textEditorData"`
	SocketInputs []socketInput `config:"socketInputs"`
}

func decodeTemplateConfig(raw map[string]any) (templateConfig, error) {
	var cfg templateConfig
	if err := core.DecodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	for i, in := range cfg.SocketInputs {
		if in.Name == "" {
			return cfg, fmt.Errorf("socketInputs[%d]: name is required", i)
		}
		if in.ValueType == "" {
			cfg.SocketInputs[i].ValueType = "string"
		}
	}
	return cfg, nil
}

// templateNode renders a text/template over its configured input sockets.
// Placeholders address inputs by name: {{.name}}.
type templateNode struct {
	inputs []socketInput
	tmpl   *template.Template
}

func (n *templateNode) Exec(nc core.NodeContext) error {
	data := make(map[string]any, len(n.inputs))
	for _, in := range n.inputs {
		data[in.Name] = nc.Read(in.Name)
	}
	var sb strings.Builder
	if err := n.tmpl.Execute(&sb, data); err != nil {
		return fmt.Errorf("rendering template: %w", err)
	}
	nc.Write("result", sb.String())
	return nil
}

func templateDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "logic/string/template",
		Category: core.NodeCategoryLogic,
		Label:    "Text Template",
		Out:      []core.Socket{socket("result", "string")},
		Sockets: func(raw map[string]any) (in, out []core.Socket) {
			cfg, err := decodeTemplateConfig(raw)
			if err != nil {
				return nil, nil
			}
			for _, s := range cfg.SocketInputs {
				in = append(in, socket(s.Name, s.ValueType))
			}
			return in, nil
		},
		New: func(raw map[string]any) (core.Node, error) {
			cfg, err := decodeTemplateConfig(raw)
			if err != nil {
				return nil, err
			}
			text := strings.ReplaceAll(cfg.Text, "\r\n", "\n")
			tmpl, err := template.New("template").Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("parsing template: %w", err)
			}
			return &templateNode{inputs: cfg.SocketInputs, tmpl: tmpl}, nil
		},
	}
}

// counterNode counts the triggers it received for the current state key.
type counterNode struct {
	count int64
}

func (n *counterNode) Trigger(nc core.NodeContext, socket string) error {
	if socket == "reset" {
		n.count = 0
	} else {
		n.count++
	}
	nc.Write("count", n.count)
	nc.Commit("flow")
	return nil
}

func (n *counterNode) State() map[string]any {
	return map[string]any{"count": n.count}
}

// SetState accepts the count as any number: stores that round-trip through
// JSON hand back float64.
func (n *counterNode) SetState(st map[string]any) {
	n.count = 0
	if st == nil {
		return
	}
	switch v := st["count"].(type) {
	case int64:
		n.count = v
	case int:
		n.count = int64(v)
	case float64:
		n.count = int64(v)
	}
}

func counterDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "logic/counter",
		Category: core.NodeCategoryLogic,
		Label:    "Counter",
		In:       []core.Socket{flowIn, {Name: "reset", ValueType: core.FlowValueType}},
		Out:      []core.Socket{flowOut, socket("count", "integer")},
		New: func(map[string]any) (core.Node, error) {
			return &counterNode{}, nil
		},
	}
}
