package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/petal-labs/grimoire/core"
)

// Diagnostic represents a validation error or warning produced by spell
// validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "SP-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

func (d Diagnostic) Error() string {
	if d.Path == "" {
		return fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Code, d.Message, d.Path)
}

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Join folds the error-severity diagnostics into one error, or nil.
func Join(diags []Diagnostic) error {
	var errs []error
	for _, d := range Errors(diags) {
		errs = append(errs, d)
	}
	return errors.Join(errs...)
}

// Spell is a graph definition plus the metadata of the user that authored it.
type Spell struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	ProjectID string     `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	Graph     Definition `json:"graph" yaml:"graph"`
}

// Definition is the serializable node list of a spell.
type Definition struct {
	Nodes   []NodeDef   `json:"nodes" yaml:"nodes"`
	Inputs  []SocketDef `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []SocketDef `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// SocketDef declares a graph-level input or output.
type SocketDef struct {
	Name      string `json:"name" yaml:"name"`
	ValueType string `json:"valueType" yaml:"valueType"`
	Default   any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// NodeDef is one node of a spell.
//
// Parameters are keyed by input socket and carry either a literal value or a
// link to an upstream output. Flows are keyed by output flow socket and point
// at the downstream input flow socket they fire.
type NodeDef struct {
	ID            string               `json:"id" yaml:"id"`
	Type          string               `json:"type" yaml:"type"`
	Label         string               `json:"label,omitempty" yaml:"label,omitempty"`
	Configuration map[string]any       `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Parameters    map[string]Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Flows         map[string]Link      `json:"flows,omitempty" yaml:"flows,omitempty"`
}

// Parameter is either a literal Value or a Link to another node's output.
type Parameter struct {
	Value any   `json:"value,omitempty" yaml:"value,omitempty"`
	Link  *Link `json:"link,omitempty" yaml:"link,omitempty"`
}

// Link addresses a socket on another node.
type Link struct {
	NodeID string `json:"nodeId" yaml:"nodeId"`
	Socket string `json:"socket" yaml:"socket"`
}

// Node returns the node definition with the given ID.
func (d *Definition) Node(id string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// sortedKeys returns map keys in a stable order so diagnostics are
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks structural integrity of the definition.
// It checks rules that can be verified without a registry:
//   - SP-001: duplicate node IDs
//   - SP-002: missing node ID or type
//   - SP-003: parameter link references an unknown node
//   - SP-004: flow references an unknown node
//   - SP-005: parameter sets both a value and a link
//   - SP-006: orphan nodes (warning)
//   - SP-007: cycle through value links
//
// Flow cycles are allowed; the scheduler's step bound keeps them in check.
// Registry-dependent rules are checked via ValidateWithRegistry.
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	ids := make(map[string]bool, len(d.Nodes))
	for i, node := range d.Nodes {
		if node.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "SP-002",
				Severity: SeverityError,
				Message:  "Node has no ID",
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		if node.Type == "" {
			diags = append(diags, Diagnostic{
				Code:     "SP-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has no type", node.ID),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
		}
		if node.ID != "" && ids[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "SP-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		ids[node.ID] = true
	}

	linked := make(map[string]bool)
	for i, node := range d.Nodes {
		for _, name := range sortedKeys(node.Parameters) {
			p := node.Parameters[name]
			path := fmt.Sprintf("nodes[%d].parameters.%s", i, name)
			if p.Link == nil {
				continue
			}
			if p.Value != nil {
				diags = append(diags, Diagnostic{
					Code:     "SP-005",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Parameter %q of node %q has both a value and a link", name, node.ID),
					Path:     path,
				})
			}
			if !ids[p.Link.NodeID] {
				diags = append(diags, Diagnostic{
					Code:     "SP-003",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Parameter %q links to unknown node %q", name, p.Link.NodeID),
					Path:     path + ".link.nodeId",
				})
				continue
			}
			linked[node.ID] = true
			linked[p.Link.NodeID] = true
		}
		for _, name := range sortedKeys(node.Flows) {
			f := node.Flows[name]
			if !ids[f.NodeID] {
				diags = append(diags, Diagnostic{
					Code:     "SP-004",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Flow %q of node %q targets unknown node %q", name, node.ID, f.NodeID),
					Path:     fmt.Sprintf("nodes[%d].flows.%s.nodeId", i, name),
				})
				continue
			}
			linked[node.ID] = true
			linked[f.NodeID] = true
		}
	}

	if len(d.Nodes) > 1 {
		for i, node := range d.Nodes {
			if !linked[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "SP-006",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q is not connected to any other node", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	if cycle := d.valueCycle(ids); cycle != "" {
		diags = append(diags, Diagnostic{
			Code:     "SP-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Value links form a cycle: %s", cycle),
			Path:     "nodes",
		})
	}

	return diags
}

// valueCycle uses Kahn's algorithm over parameter links. Returns a
// description of the cycle if found, or empty string.
func (d *Definition) valueCycle(ids map[string]bool) string {
	inDegree := make(map[string]int, len(d.Nodes))
	successors := make(map[string][]string)
	for _, node := range d.Nodes {
		if _, ok := inDegree[node.ID]; !ok {
			inDegree[node.ID] = 0
		}
	}
	for _, node := range d.Nodes {
		for _, name := range sortedKeys(node.Parameters) {
			p := node.Parameters[name]
			if p.Link == nil || !ids[p.Link.NodeID] {
				continue
			}
			successors[p.Link.NodeID] = append(successors[p.Link.NodeID], node.ID)
			inDegree[node.ID]++
		}
	}

	var queue []string
	for _, node := range d.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	var cycleNodes []string
	for _, node := range d.Nodes {
		if inDegree[node.ID] > 0 {
			cycleNodes = append(cycleNodes, node.ID)
		}
	}
	if len(cycleNodes) == 0 {
		return ""
	}
	return fmt.Sprintf("nodes involved: %v", cycleNodes)
}

// NodeTypes resolves node-type definitions. *registry.Registry satisfies it.
type NodeTypes interface {
	Node(typeName string) (core.NodeDefinition, bool)
}

// ValidateWithRegistry runs Validate plus checks that need node-type
// definitions:
//   - SP-010: unknown node type
//   - SP-011: parameter on an unknown input socket
//   - SP-012: link from an unknown output socket
//   - SP-013: flow between sockets that are not flow sockets
//   - SP-014: value link into or out of a flow socket
func (d *Definition) ValidateWithRegistry(types NodeTypes) []Diagnostic {
	diags := d.Validate()

	byID := make(map[string]NodeDef, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}
	socketsOf := func(n NodeDef) (map[string]core.Socket, map[string]core.Socket, bool) {
		def, ok := types.Node(n.Type)
		if !ok {
			return nil, nil, false
		}
		in := make(map[string]core.Socket)
		for _, s := range def.Inputs(n.Configuration) {
			in[s.Name] = s
		}
		out := make(map[string]core.Socket)
		for _, s := range def.Outputs(n.Configuration) {
			out[s.Name] = s
		}
		return in, out, true
	}

	for i, node := range d.Nodes {
		in, out, ok := socketsOf(node)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "SP-010",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
			continue
		}

		for _, name := range sortedKeys(node.Parameters) {
			p := node.Parameters[name]
			path := fmt.Sprintf("nodes[%d].parameters.%s", i, name)
			sock, ok := in[name]
			if !ok {
				diags = append(diags, Diagnostic{
					Code:     "SP-011",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q (%s) has no input socket %q", node.ID, node.Type, name),
					Path:     path,
				})
				continue
			}
			if sock.IsFlow() {
				diags = append(diags, Diagnostic{
					Code:     "SP-014",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Input %q of node %q is a flow socket and cannot take a parameter", name, node.ID),
					Path:     path,
				})
				continue
			}
			if p.Link == nil {
				continue
			}
			src, ok := byID[p.Link.NodeID]
			if !ok {
				continue
			}
			_, srcOut, ok := socketsOf(src)
			if !ok {
				continue
			}
			srcSock, ok := srcOut[p.Link.Socket]
			if !ok {
				diags = append(diags, Diagnostic{
					Code:     "SP-012",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q (%s) has no output socket %q", src.ID, src.Type, p.Link.Socket),
					Path:     path + ".link.socket",
				})
				continue
			}
			if srcSock.IsFlow() {
				diags = append(diags, Diagnostic{
					Code:     "SP-014",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Output %q of node %q is a flow socket and cannot feed a value", p.Link.Socket, src.ID),
					Path:     path + ".link.socket",
				})
			}
		}

		for _, name := range sortedKeys(node.Flows) {
			f := node.Flows[name]
			path := fmt.Sprintf("nodes[%d].flows.%s", i, name)
			if sock, ok := out[name]; !ok || !sock.IsFlow() {
				diags = append(diags, Diagnostic{
					Code:     "SP-013",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q (%s) has no output flow socket %q", node.ID, node.Type, name),
					Path:     path,
				})
				continue
			}
			dst, ok := byID[f.NodeID]
			if !ok {
				continue
			}
			dstIn, _, ok := socketsOf(dst)
			if !ok {
				continue
			}
			if sock, ok := dstIn[f.Socket]; !ok || !sock.IsFlow() {
				diags = append(diags, Diagnostic{
					Code:     "SP-013",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q (%s) has no input flow socket %q", dst.ID, dst.Type, f.Socket),
					Path:     path + ".socket",
				})
			}
		}
	}

	return diags
}
