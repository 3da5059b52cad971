// Package tracing wires OpenTelemetry for the memory service. Spans are
// exported over OTLP/gRPC when an endpoint is configured, or to stdout
// for local debugging.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls trace export.
type Config struct {
	// Enabled turns tracing on; when false Init installs nothing and
	// spans are no-ops.
	Enabled bool

	// Endpoint is the OTLP/gRPC collector address. Empty falls back to a
	// stdout exporter.
	Endpoint string
}

// Init installs the global tracer provider and returns a shutdown
// function.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the memory service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("leonardo/memory")
}
