package telemetry

import (
	"context"
	"testing"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Enabled() {
		t.Error("disabled provider should report Enabled() = false")
	}
	if provider.Tracer() == nil {
		t.Error("tracer should still be available when disabled")
	}
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "stdout", ServiceName: "citadel-test"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	if !provider.Enabled() {
		t.Error("provider should be enabled with stdout exporter")
	}
}

func TestNewProvider_NoneExporterStaysDisabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Enabled() {
		t.Error("a \"none\" exporter should not enable tracing")
	}
}

func TestStartAndEndRequestSpan(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.StartRequestSpan(context.Background(), "fp-123", "GET", "/")
	if span == nil {
		t.Fatal("expected a non-nil span")
	}
	provider.RecordAnalyzerScore(ctx, "burstiness", 12.5, 3)
	provider.RecordBan(ctx, "fp-123", "203.0.113.5")
	provider.EndRequestSpan(span, 90, "block", 403)
}

func TestNoopProvider(t *testing.T) {
	provider := NoopProvider()
	if provider.Enabled() {
		t.Error("noop provider should never report enabled")
	}
	if provider.Tracer() == nil {
		t.Error("noop provider should still expose a tracer")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("default config should be disabled")
	}
	if cfg.ServiceName != "citadel" {
		t.Errorf("expected default service name \"citadel\", got %q", cfg.ServiceName)
	}
}
