// Package telemetry builds the otel/sdk TracerProvider the Plumber records
// its per-ingest spans into, grounded on oriys-nova's
// internal/observability/telemetry.go Provider/Init/Shutdown shape.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether tracing is enabled and at what sample rate.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRate  float64
}

// Provider wraps an otel/sdk TracerProvider, or a no-op tracer when tracing
// is disabled so callers never need a nil check.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider. With cfg.Enabled false it returns a Provider whose
// Tracer() is a no-op, so Shutdown is always safe to defer.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: trace.NewNoopTracerProvider().Tracer("")}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&discardExporter{}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the span-producing trace.Tracer, suitable for
// plumber.Deps.Tracer directly.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the underlying TracerProvider. Safe to call on
// a disabled (no-op) Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// discardExporter drops every span. A real deployment would point
// WithBatcher at an OTLP exporter; that wiring is deployment-specific and
// out of SPEC_FULL.md's scope, so this keeps the sdk's batching/sampling
// pipeline exercised without shipping spans anywhere.
type discardExporter struct{}

func (discardExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(ctx context.Context) error { return nil }
