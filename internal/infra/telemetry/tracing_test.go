package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/storefront-auth/internal/infra/config"
)

func TestNewTracerProviderWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, err := NewTracerProvider(ctx, config.TelemetrySettings{SamplingRate: 1}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTracerProvider returned error: %v", err)
	}

	_, span := tp.Tracer(TracerName).Start(ctx, "test")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span context")
	}
	span.End()

	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
