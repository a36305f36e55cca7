package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitTracingNoneAndStartSpan(t *testing.T) {
	shutdown, err := InitTracing("dft-job-queue-test", TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test.span", attribute.Int64("job.id", 1))
	if ctx == nil || span == nil {
		t.Fatalf("expected a span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	again, err := InitTracing("ignored", TracingConfig{Exporter: "stdout"})
	if err != nil || again == nil {
		t.Fatalf("second init should reuse the first provider: %v", err)
	}
}
