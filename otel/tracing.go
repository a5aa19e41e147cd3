// Package otel turns scheduler telemetry events into OpenTelemetry spans and
// metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/runtime"
)

// TracingHandler translates telemetry events into spans. A spell span covers
// a run loop from spell.started to spell.stopped; node spans are its
// children, and each settled event is recorded as a span of its own.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	spellSpans map[string]trace.Span      // spellID -> span
	spellCtxs  map[string]context.Context // spellID -> context (for child spans)
	nodeSpans  map[string]trace.Span      // event key -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from telemetry events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		spellSpans: make(map[string]trace.Span),
		spellCtxs:  make(map[string]context.Context),
		nodeSpans:  make(map[string]trace.Span),
	}
}

// Handle processes a telemetry event. It has runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventSpellStarted:
		h.handleSpellStarted(e)
	case runtime.EventNodeStarted:
		h.handleNodeStarted(e)
	case runtime.EventNodeFinished:
		h.endNode(e, "")
	case runtime.EventNodeFailed:
		h.endNode(e, payloadString(e, "error", "unknown error"))
	case runtime.EventSettled:
		h.handleSettled(e)
	case runtime.EventSpellStopped:
		h.handleSpellStopped(e)
	}
}

func (h *TracingHandler) handleSpellStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "spell:"+e.SpellID,
		trace.WithAttributes(
			attribute.String("grimoire.spell_id", e.SpellID),
			attribute.String("grimoire.agent_id", e.AgentID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	if old, ok := h.spellSpans[e.SpellID]; ok {
		old.End(trace.WithTimestamp(e.Time))
	}
	h.spellSpans[e.SpellID] = span
	h.spellCtxs[e.SpellID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) parent(spellID string) context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ctx, ok := h.spellCtxs[spellID]; ok {
		return ctx
	}
	return context.Background()
}

func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("grimoire.spell_id", e.SpellID),
		attribute.String("grimoire.node_id", e.NodeID),
		attribute.String("grimoire.node_type", e.NodeType),
	}
	if id := payloadString(e, "eventId", ""); id != "" {
		attrs = append(attrs, attribute.String("grimoire.event_id", id))
	}
	_, span := h.tracer.Start(h.parent(e.SpellID), "node:"+e.NodeID,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	// Debounced starts can leave a span open; the newest start wins.
	if old, ok := h.nodeSpans[e.EventKey]; ok {
		old.End(trace.WithTimestamp(e.Time))
	}
	h.nodeSpans[e.EventKey] = span
	h.mu.Unlock()
}

// endNode ends the node span, with an error status when errMsg is set.
func (h *TracingHandler) endNode(e runtime.Event, errMsg string) {
	h.mu.Lock()
	span, ok := h.nodeSpans[e.EventKey]
	if ok {
		delete(h.nodeSpans, e.EventKey)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("grimoire.duration", e.Elapsed.String()))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleSettled records the event as a span covering its processing time.
func (h *TracingHandler) handleSettled(e runtime.Event) {
	eventID := payloadString(e, "eventId", "")
	status := payloadString(e, "status", "")
	_, span := h.tracer.Start(h.parent(e.SpellID), "event:"+eventID,
		trace.WithAttributes(
			attribute.String("grimoire.spell_id", e.SpellID),
			attribute.String("grimoire.event_id", eventID),
			attribute.String("grimoire.status", status),
		),
		trace.WithTimestamp(e.Time.Add(-e.Elapsed)),
	)
	if status == string(eventstate.StatusErrored) {
		span.SetStatus(codes.Error, payloadString(e, "error", "event errored"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleSpellStopped(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.spellSpans[e.SpellID]
	delete(h.spellSpans, e.SpellID)
	delete(h.spellCtxs, e.SpellID)
	prefix := e.SpellID + "-"
	var open []trace.Span
	for key, s := range h.nodeSpans {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			open = append(open, s)
			delete(h.nodeSpans, key)
		}
	}
	h.mu.Unlock()

	end := trace.WithTimestamp(e.Time)
	for _, s := range open {
		s.End(end)
	}
	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(end)
	}
}

// ActiveSpanContext returns the SpanContext of the open node span for the
// event key. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(eventKey string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[eventKey]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveSpellSpanContext returns the SpanContext of the open spell span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpellSpanContext(spellID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.spellSpans[spellID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
