// Package runtime schedules the execution of one spell instance: it owns the
// run loop, delivers events into the graph and relays node telemetry.
package runtime

import (
	"maps"
	"sync/atomic"
	"time"
)

// EventKind identifies the type of telemetry event emitted by a scheduler.
type EventKind string

const (
	// EventNodeStarted is emitted when a node begins execution.
	EventNodeStarted EventKind = "node.started"

	// EventNodeFinished is emitted when a node completes successfully.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node returns an error or panics.
	EventNodeFailed EventKind = "node.failed"

	// EventSettled is emitted when an event envelope reaches DONE or ERRORED.
	EventSettled EventKind = "event.settled"

	// EventSpellStarted is emitted when the run loop starts.
	EventSpellStarted EventKind = "spell.started"

	// EventSpellStopped is emitted after the final pass of the run loop.
	EventSpellStopped EventKind = "spell.stopped"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is one telemetry record of a spell instance. Events are small;
// envelope contents are referenced by ID, never copied.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	AgentID string
	SpellID string

	// EventKey groups the start and end reports of one node of one spell
	// ("<spellID>-<nodeID>"). Empty for spell-level events.
	EventKey string

	NodeID   string
	NodeType string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the node execution time on finished and failed events.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per scheduler (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates an event for a spell with the current timestamp.
func NewEvent(kind EventKind, spellID string) Event {
	return Event{
		Kind:    kind,
		SpellID: spellID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information and the event key.
func (e Event) WithNode(nodeID, nodeType string) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	e.EventKey = eventKey(e.SpellID, nodeID)
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	e.Payload = maps.Clone(e.Payload)
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Fields flattens the event for publishing.
func (e Event) Fields() map[string]any {
	out := map[string]any{
		"kind":    string(e.Kind),
		"agentId": e.AgentID,
		"spellId": e.SpellID,
		"time":    e.Time.UTC().Format(time.RFC3339Nano),
		"seq":     e.Seq,
	}
	if e.NodeID != "" {
		out["eventKey"] = e.EventKey
		out["nodeId"] = e.NodeID
		out["nodeType"] = e.NodeType
	}
	if e.Elapsed > 0 {
		out["elapsedMs"] = e.Elapsed.Milliseconds()
	}
	if len(e.Payload) > 0 {
		out["payload"] = maps.Clone(e.Payload)
	}
	if e.TraceID != "" {
		out["traceId"] = e.TraceID
		out["spanId"] = e.SpanID
	}
	return out
}

func eventKey(spellID, nodeID string) string {
	return spellID + "-" + nodeID
}

// EventHandler is a function type for handling events. Handlers may be
// called from timer goroutines and must be safe for concurrent use.
type EventHandler func(Event)

// EventHandlerDecorator wraps a handler to add cross-cutting behavior, such
// as enriching events with trace metadata.
type EventHandlerDecorator func(EventHandler) EventHandler

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// seqGen produces monotonically increasing sequence numbers.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
