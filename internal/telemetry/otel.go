package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the request-scoring pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("citadel"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "citadel"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("citadel"),
		}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("citadel"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Request span attributes.
const (
	AttrFingerprint   = "citadel.fingerprint"
	AttrScore         = "citadel.score"
	AttrDecision      = "citadel.decision"
	AttrAnalyzer      = "citadel.analyzer"
	AttrAnalyzerScore = "citadel.analyzer.score"
	AttrClientAddr    = "citadel.client.addr"
	AttrDurationMs    = "citadel.duration.ms"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
	AttrBanned        = "citadel.banned"
)

// StartRequestSpan starts a span for a single ProtectRoute invocation.
func (p *Provider) StartRequestSpan(ctx context.Context, fingerprint, method, path string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "citadel.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrFingerprint, fingerprint),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with the aggregate score and decision.
func (p *Provider) EndRequestSpan(span trace.Span, score float64, decision string, statusCode int) {
	span.SetAttributes(
		attribute.Float64(AttrScore, score),
		attribute.String(AttrDecision, decision),
		attribute.Int(AttrResponseCode, statusCode),
	)
	span.End()
}

// RecordAnalyzerScore adds a child event for a single analyzer's contribution
// to the request span in ctx.
func (p *Provider) RecordAnalyzerScore(ctx context.Context, identifier string, score float64, durationMs int64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("analyzer.scored",
		trace.WithAttributes(
			attribute.String(AttrAnalyzer, identifier),
			attribute.Float64(AttrAnalyzerScore, score),
			attribute.Int64(AttrDurationMs, durationMs),
		),
	)
}

// RecordBan records a ban decision against the fingerprint in ctx's span.
func (p *Provider) RecordBan(ctx context.Context, fingerprint, clientAddr string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("request.banned",
		trace.WithAttributes(
			attribute.String(AttrFingerprint, fingerprint),
			attribute.String(AttrClientAddr, clientAddr),
			attribute.Bool(AttrBanned, true),
		),
	)
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "citadel",
	}
}

// ConfigFromEnv creates config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("CITADEL_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("CITADEL_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("CITADEL_TELEMETRY_EXPORTER")
	}
	if os.Getenv("CITADEL_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("CITADEL_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("citadel-noop"),
	}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
