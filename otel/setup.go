package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExportConfig configures OTLP/HTTP span export.
type ExportConfig struct {
	// Endpoint is host:port or a full URL of the collector.
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// NewTracerProvider builds a tracer provider batching spans to an OTLP/HTTP
// collector. The exporter connects lazily. Callers own Shutdown.
func NewTracerProvider(ctx context.Context, cfg ExportConfig) (*sdktrace.TracerProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("otel: endpoint is required")
	}

	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: creating otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "grimoire"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// InstallGlobal makes tp the process-wide tracer provider.
func InstallGlobal(tp *sdktrace.TracerProvider) {
	otelapi.SetTracerProvider(tp)
}
