// Package tracing wires the OpenTelemetry provider. Spans are exported to
// stdout when tracing is enabled; otherwise the global provider stays a
// no-op and span creation costs nothing.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/sifthq/aisorter/internal/version"
)

// Setup installs the global tracer provider and returns its shutdown
// function. With enabled=false the returned shutdown is a no-op.
func Setup(enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("aisorter"),
			semconv.ServiceVersionKey.String(version.Version),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
