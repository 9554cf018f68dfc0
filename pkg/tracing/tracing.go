// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/klog/v2"
)

const DefaultServiceName = "nomad-idle-scaler"

// Options configures the tracer provider
type Options struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint    string
	Insecure    bool
	ServiceName string
	// SampleRate is the fraction of root spans kept, 0 < rate <= 1
	SampleRate float64
}

// Shutdown flushes and stops the provider
type Shutdown func(context.Context) error

// Setup installs the global tracer provider and returns it with its shutdown
// function. Without an endpoint a no-op provider is installed.
func Setup(ctx context.Context, opts Options) (trace.TracerProvider, Shutdown, error) {
	if opts.Endpoint == "" {
		provider := noop.NewTracerProvider()
		otel.SetTracerProvider(provider)
		klog.V(2).Info("Tracing disabled, no OTLP endpoint configured")
		return provider, func(context.Context) error { return nil }, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.SampleRate <= 0 || opts.SampleRate > 1 {
		opts.SampleRate = 1
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	klog.Infof("Exporting traces to %s", opts.Endpoint)

	return provider, provider.Shutdown, nil
}
