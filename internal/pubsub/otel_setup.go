package pubsub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "listsync-pubsub"

// TracingConfig controls bus tracing.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ZipkinURL      string
	// SampleRatio is the fraction of root spans recorded, in [0, 1].
	SampleRatio float64
}

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(ctx context.Context) error

// SetupOTel returns the tracer used by TracingMiddleware. With tracing
// disabled it returns a no-op tracer and leaves the global provider alone.
// Otherwise spans are batched to Zipkin and the global provider and
// propagator are replaced, so the returned ShutdownFunc must be called on exit.
func SetupOTel(ctx context.Context, cfg TracingConfig) (trace.Tracer, ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		return nil, nil, fmt.Errorf("tracing: service name is required")
	}

	exporter, err := zipkin.New(cfg.ZipkinURL)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: create zipkin exporter: %w", err)
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Tracer(tracerName), tp.Shutdown, nil
}
