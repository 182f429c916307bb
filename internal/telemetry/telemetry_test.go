package telemetry

import (
	"context"
	"testing"
)

func TestDisabledByDefault(t *testing.T) {
	t.Setenv("UCRS_OTEL_ENABLED", "")
	if Enabled() {
		t.Error("telemetry should be off without UCRS_OTEL_ENABLED=true")
	}
	if err := Init(context.Background(), "ucrsd-test", "dev"); err != nil {
		t.Fatalf("Init with telemetry off: %v", err)
	}
	Shutdown(context.Background())
}

func TestEnabledFlag(t *testing.T) {
	t.Setenv("UCRS_OTEL_ENABLED", "true")
	if !Enabled() {
		t.Error("UCRS_OTEL_ENABLED=true should enable telemetry")
	}
	t.Setenv("UCRS_OTEL_ENABLED", "1")
	if Enabled() {
		t.Error("only the literal \"true\" enables telemetry")
	}
}

func TestTracerAndMeterNeverNil(t *testing.T) {
	t.Setenv("UCRS_OTEL_ENABLED", "")
	if err := Init(context.Background(), "ucrsd-test", "dev"); err != nil {
		t.Fatal(err)
	}
	defer Shutdown(context.Background())

	if Tracer("test-scope") == nil {
		t.Error("Tracer returned nil")
	}
	if Meter("test-scope") == nil {
		t.Error("Meter returned nil")
	}
}
