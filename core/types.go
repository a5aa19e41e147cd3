// Package core provides the foundational types and contracts shared by the
// grimoire scheduler, its registry and capability providers.
//
// This package contains:
//   - Envelope: the event payload delivered into a running spell
//   - Node contracts: EventNode, FlowNode, FunctionNode, AsyncNode
//   - NodeDefinition, Socket and ValueType: the registry's table entries
//   - NodeContext: what a node sees while it runs
package core

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// NodeCategory classifies a node definition.
type NodeCategory string

const (
	NodeCategoryEvent  NodeCategory = "event"
	NodeCategoryAction NodeCategory = "action"
	NodeCategoryLogic  NodeCategory = "logic"
	NodeCategoryQuery  NodeCategory = "query"
	NodeCategoryFlow   NodeCategory = "flow"
	NodeCategoryTime   NodeCategory = "time"
)

// String returns the string representation of the NodeCategory.
func (c NodeCategory) String() string {
	return string(c)
}

// RunInfo tags an envelope with the scheduler run that consumed it.
type RunInfo struct {
	SpellID string `json:"spellId"`
	RunID   string `json:"runId"`
}

// Envelope is one externally triggered occurrence delivered into a spell.
// It is created by an emitter (message source, timer, job) and consumed
// exactly once by the scheduler's event state machine.
type Envelope struct {
	ID       string `json:"id"`
	Source   string `json:"source,omitempty"`  // connector or plugin that produced the event
	Channel  string `json:"channel,omitempty"` // conversation / channel identifier
	Sender   string `json:"sender,omitempty"`
	Observer string `json:"observer,omitempty"`
	Content  string `json:"content,omitempty"`

	// StateKey scopes per-node persisted state (e.g. one counter per channel).
	StateKey string `json:"stateKey,omitempty"`

	Data            map[string]any    `json:"data,omitempty"`
	Secrets         map[string]string `json:"-"`
	PublicVariables map[string]any    `json:"publicVariables,omitempty"`

	RunInfo   RunInfo   `json:"runInfo"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEnvelope creates an envelope with a fresh ID and initialized maps.
func NewEnvelope(source, content string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Source:    source,
		Content:   content,
		Data:      make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a copy whose maps can be mutated independently.
func (e Envelope) Clone() Envelope {
	out := e
	out.Data = maps.Clone(e.Data)
	out.Secrets = maps.Clone(e.Secrets)
	out.PublicVariables = maps.Clone(e.PublicVariables)
	return out
}

// EffectiveStateKey returns the key used to scope per-node state.
// Falls back to the channel, then to "default".
func (e Envelope) EffectiveStateKey() string {
	switch {
	case e.StateKey != "":
		return e.StateKey
	case e.Channel != "":
		return e.Channel
	default:
		return "default"
	}
}

// Fields flattens the envelope into a map suitable for node outputs and
// published payloads. Secrets are never included.
func (e Envelope) Fields() map[string]any {
	return map[string]any{
		"id":              e.ID,
		"source":          e.Source,
		"channel":         e.Channel,
		"sender":          e.Sender,
		"observer":        e.Observer,
		"content":         e.Content,
		"stateKey":        e.StateKey,
		"data":            maps.Clone(e.Data),
		"publicVariables": maps.Clone(e.PublicVariables),
		"runInfo": map[string]any{
			"spellId": e.RunInfo.SpellID,
			"runId":   e.RunInfo.RunID,
		},
	}
}

// NodeError is recorded when a node fails during execution.
type NodeError struct {
	NodeID   string         // ID of the node that failed
	NodeType string         // registry type name of the node
	Message  string         // error message
	At       time.Time      // when the error occurred
	Details  map[string]any // additional error context
	Cause    error          // underlying error (may be nil)
}

// Error implements the error interface for NodeError.
func (e *NodeError) Error() string {
	if e.NodeID == "" {
		return e.Message
	}
	return fmt.Sprintf("node %s (%s): %s", e.NodeID, e.NodeType, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
