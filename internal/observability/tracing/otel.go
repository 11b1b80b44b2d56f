// Package tracing wires OpenTelemetry for the scheduler services: OTLP gRPC
// export, W3C propagation, and parent-based sampling.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const serviceVersion = "0.1.0"

// Config identifies a service and says where its spans go.
type Config struct {
	ServiceName string
	Version     string
	Environment string
	Endpoint    string
	SampleRate  float64
}

// FromEnv builds a service's tracing config from the environment, the same
// way the services load the rest of their configuration. TRACE_SAMPLE_RATE
// accepts (0, 1]; anything else samples everything.
func FromEnv(service string) Config {
	rate := 1.0
	if v := os.Getenv("TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			rate = f
		}
	}
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	endpoint := os.Getenv("OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	return Config{
		ServiceName: service,
		Version:     serviceVersion,
		Environment: env,
		Endpoint:    endpoint,
		SampleRate:  rate,
	}
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the global tracer provider and W3C propagators. The exporter
// dials lazily, so an unreachable collector degrades to dropped spans rather
// than a startup failure.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		// Respect the caller's decision on propagated traces; sample our own
		// roots at the configured rate.
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
