package otel_test

import (
	"context"
	"testing"
	"time"

	otelapi "go.opentelemetry.io/otel"

	grimoireotel "github.com/petal-labs/grimoire/otel"
)

func TestNewTracerProvider_RequiresEndpoint(t *testing.T) {
	if _, err := grimoireotel.NewTracerProvider(context.Background(), grimoireotel.ExportConfig{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestNewTracerProvider_BuildsWithoutConnecting(t *testing.T) {
	for _, endpoint := range []string{"localhost:4318", "http://localhost:4318/v1/traces"} {
		tp, err := grimoireotel.NewTracerProvider(context.Background(), grimoireotel.ExportConfig{
			Endpoint:    endpoint,
			ServiceName: "grimoire-test",
			Insecure:    true,
		})
		if err != nil {
			t.Fatalf("NewTracerProvider(%q) error = %v", endpoint, err)
		}

		prev := otelapi.GetTracerProvider()
		grimoireotel.InstallGlobal(tp)
		if otelapi.GetTracerProvider() != tp {
			t.Error("global tracer provider not installed")
		}
		otelapi.SetTracerProvider(prev)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = tp.Shutdown(ctx)
		cancel()
	}
}
