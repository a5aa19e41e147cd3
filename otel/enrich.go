package otel

import (
	"github.com/petal-labs/grimoire/runtime"
)

// EnrichHandler wraps an EventHandler with OpenTelemetry trace context.
// Events get the TraceID and SpanID of the open node span of their event
// key, falling back to the spell span. Events without an open span pass
// through unchanged.
func EnrichHandler(next runtime.EventHandler, tracing *TracingHandler) runtime.EventHandler {
	return func(e runtime.Event) {
		if e.EventKey != "" {
			sc := tracing.ActiveSpanContext(e.EventKey)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.SpellID != "" {
			sc := tracing.ActiveSpellSpanContext(e.SpellID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}

// Decorator returns EnrichHandler as a runtime.EventHandlerDecorator.
func Decorator(tracing *TracingHandler) runtime.EventHandlerDecorator {
	return func(next runtime.EventHandler) runtime.EventHandler {
		return EnrichHandler(next, tracing)
	}
}
