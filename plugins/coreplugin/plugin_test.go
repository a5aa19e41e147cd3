package coreplugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/registry"
	"github.com/petal-labs/grimoire/runtime"
)

type actionLog struct {
	mu    sync.Mutex
	calls []registry.ActionPayload
}

func (a *actionLog) Handle(_ context.Context, p registry.ActionPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, p)
	return nil
}

func (a *actionLog) all() []registry.ActionPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]registry.ActionPayload(nil), a.calls...)
}

func flow(id, socket string) map[string]graph.Link {
	return map[string]graph.Link{"flow": {NodeID: id, Socket: socket}}
}

func link(id, socket string) graph.Parameter {
	return graph.Parameter{Link: &graph.Link{NodeID: id, Socket: socket}}
}

func startSpell(t *testing.T, actions registry.Actions, nodes ...graph.NodeDef) *runtime.Scheduler {
	t.Helper()
	reg, err := registry.Assemble([]registry.Provider{registry.StandardProvider, New(actions)})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	spell := graph.Spell{ID: "spell-core", Graph: graph.Definition{Nodes: nodes}}
	s, err := runtime.Initialize(context.Background(), spell, reg, runtime.Config{LoopDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Dispose(ctx)
	})
	return s
}

func message(content, stateKey string) runtime.RunRequest {
	return runtime.RunRequest{
		Dependency: EmitterKey,
		EventName:  MessageReceived,
		Inputs:     map[string]any{"content": content},
		StateKey:   stateKey,
	}
}

func run(t *testing.T, s *runtime.Scheduler, req runtime.RunRequest) (runtime.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.Run(ctx, req)
}

func TestPlugin_TemplateSendMessageAndOutput(t *testing.T) {
	actions := &actionLog{}
	s := startSpell(t, actions,
		graph.NodeDef{ID: "on", Type: "core/onMessage", Flows: flow("send", "flow")},
		graph.NodeDef{
			ID:   "greet",
			Type: "logic/string/template",
			Configuration: map[string]any{
				"textEditorData": "hello {{.name}}",
				"socketInputs":   []any{map[string]any{"name": "name", "valueType": "string"}},
			},
			Parameters: map[string]graph.Parameter{"name": link("on", "content")},
		},
		graph.NodeDef{
			ID:         "send",
			Type:       "core/sendMessage",
			Parameters: map[string]graph.Parameter{"content": link("greet", "result")},
			Flows:      flow("out", "flow"),
		},
		graph.NodeDef{
			ID:            "out",
			Type:          "graph/output",
			Configuration: map[string]any{"name": "reply"},
			Parameters:    map[string]graph.Parameter{"value": link("greet", "result")},
		},
	)

	out, err := run(t, s, message("world", ""))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Outputs["reply"] != "hello world" {
		t.Errorf("outputs = %v", out.Outputs)
	}
	calls := actions.all()
	if len(calls) != 1 || calls[0].Name != SendMessageAction || calls[0].Data != "hello world" {
		t.Fatalf("actions = %+v", calls)
	}
	if calls[0].Event.ID != out.EventID || calls[0].Event.Content != "world" {
		t.Errorf("action event = %+v", calls[0].Event)
	}
}

func TestPlugin_SendMessageWithoutActionsFailsTheEvent(t *testing.T) {
	s := startSpell(t, nil,
		graph.NodeDef{ID: "on", Type: "core/onMessage", Flows: flow("send", "flow")},
		graph.NodeDef{ID: "send", Type: "core/sendMessage", Parameters: map[string]graph.Parameter{"content": link("on", "content")}},
	)

	_, err := run(t, s, message("hi", ""))
	if !errors.Is(err, runtime.ErrRunFailed) || !errors.Is(err, ErrNoActions) {
		t.Fatalf("Run() error = %v, want ErrRunFailed wrapping ErrNoActions", err)
	}
}

func TestPlugin_CounterIsScopedByStateKey(t *testing.T) {
	s := startSpell(t, nil,
		graph.NodeDef{ID: "on", Type: "core/onMessage", Flows: flow("count", "flow")},
		graph.NodeDef{ID: "count", Type: "logic/counter", Flows: flow("out", "flow")},
		graph.NodeDef{
			ID:            "out",
			Type:          "graph/output",
			Configuration: map[string]any{"name": "count"},
			Parameters:    map[string]graph.Parameter{"value": link("count", "count")},
		},
	)

	tests := []struct {
		key  string
		want int64
	}{
		{"alice", 1},
		{"alice", 2},
		{"bob", 1},
		{"alice", 3},
	}
	for _, tt := range tests {
		out, err := run(t, s, message("x", tt.key))
		if err != nil {
			t.Fatalf("Run(%s) error = %v", tt.key, err)
		}
		if got, _ := out.Outputs["count"].(int64); got != tt.want {
			t.Errorf("count for %s = %v, want %d", tt.key, out.Outputs["count"], tt.want)
		}
	}
}

func TestPlugin_Branch(t *testing.T) {
	s := startSpell(t, nil,
		graph.NodeDef{ID: "on", Type: "core/onMessage", Flows: flow("branch", "flow")},
		graph.NodeDef{
			ID:         "branch",
			Type:       "flow/branch",
			Parameters: map[string]graph.Parameter{"condition": link("on", "content")},
			Flows: map[string]graph.Link{
				"true":  {NodeID: "yes", Socket: "flow"},
				"false": {NodeID: "no", Socket: "flow"},
			},
		},
		graph.NodeDef{ID: "yes", Type: "graph/output", Configuration: map[string]any{"name": "taken"}, Parameters: map[string]graph.Parameter{"value": {Value: "true"}}},
		graph.NodeDef{ID: "no", Type: "graph/output", Configuration: map[string]any{"name": "taken"}, Parameters: map[string]graph.Parameter{"value": {Value: "false"}}},
	)

	for _, content := range []string{"true", "false", "nonsense"} {
		out, err := run(t, s, message(content, ""))
		if err != nil {
			t.Fatalf("Run(%s) error = %v", content, err)
		}
		want := content
		if content == "nonsense" {
			want = "false"
		}
		if out.Outputs["taken"] != want {
			t.Errorf("branch for %q took %v, want %s", content, out.Outputs["taken"], want)
		}
	}
}

func TestPlugin_DelayHoldsTheEvent(t *testing.T) {
	s := startSpell(t, nil,
		graph.NodeDef{ID: "on", Type: "core/onMessage", Flows: flow("wait", "flow")},
		graph.NodeDef{ID: "wait", Type: "time/delay", Configuration: map[string]any{"duration": "40ms"}, Flows: flow("out", "flow")},
		graph.NodeDef{ID: "out", Type: "graph/output", Parameters: map[string]graph.Parameter{"value": {Value: "done"}}},
	)

	out, err := run(t, s, message("x", ""))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Outputs["output"] != "done" {
		t.Errorf("outputs = %v", out.Outputs)
	}
	if out.Elapsed < 40*time.Millisecond {
		t.Errorf("event settled after %s, before the delay elapsed", out.Elapsed)
	}
}

func TestDelay_NumericDurationIsMilliseconds(t *testing.T) {
	node, err := delayDefinition().New(map[string]any{"duration": float64(2000)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d := node.(*delayNode).duration; d != 2*time.Second {
		t.Errorf("duration = %s, want 2s", d)
	}

	if _, err := delayDefinition().New(map[string]any{"duration": -5}); err == nil {
		t.Error("negative duration accepted")
	}
}

func TestPlugin_ContributeAllocatesAnEmitterPerRegistry(t *testing.T) {
	p := New(nil)
	a, b := p.Contribute(), p.Contribute()
	if a.Dependencies[0].Value == b.Dependencies[0].Value {
		t.Error("registries assembled from one plugin share a message emitter")
	}
	if len(a.Dependencies) != 1 {
		t.Errorf("dependencies without actions = %d, want 1", len(a.Dependencies))
	}
}

func TestDefinitions_Sockets(t *testing.T) {
	defs := make(map[string]bool)
	for _, d := range NodeDefinitions() {
		defs[d.TypeName] = true
	}
	for _, name := range []string{
		"core/onMessage", "core/sendMessage", "lifecycle/onStart", "lifecycle/onTick",
		"lifecycle/onEnd", "flow/branch", "logic/string/template", "logic/counter",
		"time/delay", "graph/output",
	} {
		if !defs[name] {
			t.Errorf("missing node type %s", name)
		}
	}

	tmpl := templateDefinition()
	in := tmpl.Inputs(map[string]any{"socketInputs": []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b", "valueType": "integer"},
	}})
	if len(in) != 2 || in[0].ValueType != "string" || in[1].ValueType != "integer" {
		t.Errorf("template inputs = %+v", in)
	}

	if _, err := tmpl.New(map[string]any{"textEditorData": "{{.broken"}); err == nil {
		t.Error("invalid template accepted")
	}
	if _, err := delayDefinition().New(map[string]any{"duration": "-1s"}); err == nil {
		t.Error("negative delay accepted")
	}
}
