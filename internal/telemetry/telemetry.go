// Package telemetry wires structured logging and tracing for the core.
// Loggers and tracers are constructed once and threaded explicitly into
// component constructors. NewTracerProvider also registers its provider
// as OpenTelemetry's global tracer provider.
package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process-wide console logger. Components take it as
// a constructor argument, not a global lookup.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// TracerProvider wraps an sdktrace.TracerProvider with its shutdown hook.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a tracer provider exporting spans to stdout.
// Production deployments swap the exporter; the orchestrator's pipeline
// span is the only thing this core's tracing covers, since metrics/UI
// observability is out of scope.
func NewTracerProvider(serviceName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &TracerProvider{provider: tp}, nil
}

func (t *TracerProvider) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

func (t *TracerProvider) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
