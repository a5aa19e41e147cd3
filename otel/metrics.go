package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/grimoire/runtime"
)

// MetricsHandler translates telemetry events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures and
// settled events.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	eventsSettled  metric.Int64Counter
	eventDuration  metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("grimoire.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("grimoire.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("grimoire.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	settled, err := meter.Int64Counter("grimoire.event.settled",
		metric.WithDescription("Number of settled events"),
	)
	if err != nil {
		return nil, err
	}

	eventDur, err := meter.Float64Histogram("grimoire.event.duration",
		metric.WithDescription("Time from installing an event to settling it, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		eventsSettled:  settled,
		eventDuration:  eventDur,
	}, nil
}

// Handle records the metrics of one event. It has runtime.EventHandler
// semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventNodeFinished:
		attrs := nodeAttrs(e)
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, nodeAttrs(e))
	case runtime.EventSettled:
		attrs := metric.WithAttributes(
			attribute.String("spell_id", e.SpellID),
			attribute.String("status", payloadString(e, "status", "")),
		)
		h.eventsSettled.Add(ctx, 1, attrs)
		h.eventDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}

func nodeAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("spell_id", e.SpellID),
		attribute.String("node_type", e.NodeType),
		attribute.String("node_id", e.NodeID),
	)
}
