package tracing

import (
	"context"
	"testing"
)

func TestSetupDisabledIsNoOp(t *testing.T) {
	shutdown, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	if _, err := Setup(Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestTracerAlwaysUsable(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "quoco.test")
	span.End()
}
