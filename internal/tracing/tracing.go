// Package tracing configures the process-wide OpenTelemetry tracer
// used to span session operations. Spans started here also feed the
// Prometheus exemplars the metrics package attaches to its counters.
package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenneth/quoco"

// Config selects the span exporter a process ships traces to. An
// empty Exporter disables tracing setup entirely; Tracer still
// returns a usable (no-op) tracer in that case.
type Config struct {
	// Exporter is one of "stdout", "jaeger", or "otlp".
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector endpoint for the jaeger and otlp
	// exporters; ignored by stdout.
	Endpoint string `yaml:"endpoint"`

	// SampleRatio in (0, 1]; 0 means sample everything.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Setup installs a tracer provider per cfg and returns a shutdown
// function that flushes buffered spans. With an empty Exporter it is
// a no-op.
func Setup(cfg Config) (func(context.Context) error, error) {
	if cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case "otlp":
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Exporter, err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("quoco"),
		)),
	)
	otel.SetTracerProvider(provider)

	logrus.WithField("exporter", cfg.Exporter).Info("tracing enabled")
	return provider.Shutdown, nil
}

// Tracer returns the tracer session operations span themselves with.
// Before Setup (or with tracing disabled) this is the global no-op
// tracer, so callers never need to branch on whether tracing is on.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
