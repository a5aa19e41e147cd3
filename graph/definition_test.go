package graph

import (
	"encoding/json"
	"testing"

	"github.com/petal-labs/grimoire/core"
)

type fakeTypes map[string]core.NodeDefinition

func (f fakeTypes) Node(name string) (core.NodeDefinition, bool) {
	d, ok := f[name]
	return d, ok
}

func testTypes() fakeTypes {
	return fakeTypes{
		"core/onMessage": {
			TypeName: "core/onMessage",
			Out: []core.Socket{
				{Name: "flow", ValueType: core.FlowValueType},
				{Name: "content", ValueType: "string"},
			},
		},
		"core/sendMessage": {
			TypeName: "core/sendMessage",
			In: []core.Socket{
				{Name: "flow", ValueType: core.FlowValueType},
				{Name: "content", ValueType: "string"},
			},
			Out: []core.Socket{{Name: "flow", ValueType: core.FlowValueType}},
		},
	}
}

func echoSpell() Definition {
	return Definition{
		Nodes: []NodeDef{
			{
				ID:    "on",
				Type:  "core/onMessage",
				Flows: map[string]Link{"flow": {NodeID: "send", Socket: "flow"}},
			},
			{
				ID:   "send",
				Type: "core/sendMessage",
				Parameters: map[string]Parameter{
					"content": {Link: &Link{NodeID: "on", Socket: "content"}},
				},
			},
		},
	}
}

func codes(diags []Diagnostic) map[string]int {
	out := make(map[string]int)
	for _, d := range diags {
		out[d.Code]++
	}
	return out
}

func TestDefinition_JSONRoundTrip(t *testing.T) {
	spell := Spell{ID: "s1", Name: "echo", ProjectID: "p1", Graph: echoSpell()}

	data, err := json.Marshal(spell)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Spell
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ProjectID != "p1" {
		t.Errorf("ProjectID = %q, want %q", got.ProjectID, "p1")
	}
	send, ok := got.Graph.Node("send")
	if !ok {
		t.Fatal("node send missing after round trip")
	}
	link := send.Parameters["content"].Link
	if link == nil || link.NodeID != "on" || link.Socket != "content" {
		t.Errorf("content link = %+v, want on.content", link)
	}
}

func TestValidate_Valid(t *testing.T) {
	def := echoSpell()
	if diags := def.Validate(); len(diags) != 0 {
		t.Errorf("Validate() = %v, want none", diags)
	}
	if diags := def.ValidateWithRegistry(testTypes()); len(diags) != 0 {
		t.Errorf("ValidateWithRegistry() = %v, want none", diags)
	}
}

func TestValidate_Structural(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want string
		sev  string
	}{
		{
			name: "duplicate id",
			def: Definition{Nodes: []NodeDef{
				{ID: "a", Type: "x", Flows: map[string]Link{"flow": {NodeID: "a", Socket: "flow"}}},
				{ID: "a", Type: "x"},
			}},
			want: "SP-001",
			sev:  SeverityError,
		},
		{
			name: "missing type",
			def:  Definition{Nodes: []NodeDef{{ID: "a"}}},
			want: "SP-002",
			sev:  SeverityError,
		},
		{
			name: "dangling parameter link",
			def: Definition{Nodes: []NodeDef{{
				ID: "a", Type: "x",
				Parameters: map[string]Parameter{"in": {Link: &Link{NodeID: "ghost", Socket: "out"}}},
			}}},
			want: "SP-003",
			sev:  SeverityError,
		},
		{
			name: "dangling flow",
			def: Definition{Nodes: []NodeDef{{
				ID: "a", Type: "x",
				Flows: map[string]Link{"flow": {NodeID: "ghost", Socket: "flow"}},
			}}},
			want: "SP-004",
			sev:  SeverityError,
		},
		{
			name: "value and link",
			def: Definition{Nodes: []NodeDef{
				{ID: "a", Type: "x"},
				{ID: "b", Type: "x", Parameters: map[string]Parameter{
					"in": {Value: "v", Link: &Link{NodeID: "a", Socket: "out"}},
				}},
			}},
			want: "SP-005",
			sev:  SeverityError,
		},
		{
			name: "orphan",
			def: Definition{Nodes: []NodeDef{
				{ID: "a", Type: "x", Flows: map[string]Link{"flow": {NodeID: "b", Socket: "flow"}}},
				{ID: "b", Type: "x"},
				{ID: "c", Type: "x"},
			}},
			want: "SP-006",
			sev:  SeverityWarning,
		},
		{
			name: "value cycle",
			def: Definition{Nodes: []NodeDef{
				{ID: "a", Type: "x", Parameters: map[string]Parameter{"in": {Link: &Link{NodeID: "b", Socket: "out"}}}},
				{ID: "b", Type: "x", Parameters: map[string]Parameter{"in": {Link: &Link{NodeID: "a", Socket: "out"}}}},
			}},
			want: "SP-007",
			sev:  SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := tt.def.Validate()
			found := false
			for _, d := range diags {
				if d.Code == tt.want {
					found = true
					if d.Severity != tt.sev {
						t.Errorf("%s severity = %q, want %q", d.Code, d.Severity, tt.sev)
					}
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want a %s diagnostic", diags, tt.want)
			}
		})
	}
}

func TestValidate_FlowCycleAllowed(t *testing.T) {
	def := Definition{Nodes: []NodeDef{
		{ID: "a", Type: "x", Flows: map[string]Link{"flow": {NodeID: "b", Socket: "flow"}}},
		{ID: "b", Type: "x", Flows: map[string]Link{"flow": {NodeID: "a", Socket: "flow"}}},
	}}
	if diags := def.Validate(); HasErrors(diags) {
		t.Errorf("Validate() = %v, want no errors for a flow loop", diags)
	}
}

func TestValidateWithRegistry(t *testing.T) {
	def := Definition{Nodes: []NodeDef{
		{
			ID:    "on",
			Type:  "core/onMessage",
			Flows: map[string]Link{"content": {NodeID: "send", Socket: "flow"}},
		},
		{
			ID:   "send",
			Type: "core/sendMessage",
			Parameters: map[string]Parameter{
				"content": {Link: &Link{NodeID: "on", Socket: "missing"}},
				"bogus":   {Value: 1},
				"flow":    {Value: true},
			},
		},
		{ID: "mystery", Type: "core/unknown"},
	}}

	got := codes(def.ValidateWithRegistry(testTypes()))
	for _, want := range []string{"SP-010", "SP-011", "SP-012", "SP-013", "SP-014"} {
		if got[want] == 0 {
			t.Errorf("missing %s diagnostic, got %v", want, got)
		}
	}
}

func TestJoin(t *testing.T) {
	diags := []Diagnostic{
		{Code: "SP-006", Severity: SeverityWarning, Message: "w"},
		{Code: "SP-001", Severity: SeverityError, Message: "dup", Path: "nodes[1].id"},
	}
	err := Join(diags)
	if err == nil {
		t.Fatal("Join() = nil, want error")
	}
	if err.Error() != "SP-001: dup (nodes[1].id)" {
		t.Errorf("Join().Error() = %q", err.Error())
	}
	if Join(Warnings(diags)) != nil {
		t.Error("Join(warnings) should be nil")
	}
}
