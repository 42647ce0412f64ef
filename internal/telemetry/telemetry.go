// Package telemetry provides logging and OpenTelemetry instrumentation for
// stackline: one span per run and per node, and node operation metrics
// exported alongside them.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yairfalse/stackline/internal/config"
)

// ServiceInfo identifies the binary and the cloud it drives; it becomes the
// resource every span and metric is reported under.
type ServiceInfo struct {
	Version  string
	Provider string
	Region   string
}

// Provider owns the trace and metric pipelines of a run and the node
// instruments recorded through them.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	nodes          *NodeMetrics
}

// NewProvider creates a telemetry provider and installs it globally, node
// instruments included. Without an endpoint nothing is exported.
func NewProvider(ctx context.Context, cfg config.OTELConfig, info ServiceInfo) (*Provider, error) {
	res, err := newResource(ctx, cfg, info)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	return p, nil
}

func newResource(ctx context.Context, cfg config.OTELConfig, info ServiceInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if info.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(info.Version))
	}
	if info.Provider != "" {
		attrs = append(attrs, semconv.CloudProviderKey.String(info.Provider))
	}
	if info.Region != "" {
		attrs = append(attrs, semconv.CloudRegion(info.Region))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)

	nodes, err := newNodeMetrics(p.meterProvider.Meter(instrumentationName))
	if err != nil {
		return fmt.Errorf("create node metrics: %w", err)
	}
	p.nodes = nodes
	installNodes(nodes)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// Shutdown flushes and shuts down the providers. Node metrics recorded
// afterwards are dropped.
func (p *Provider) Shutdown(ctx context.Context) error {
	uninstallNodes(p.nodes)
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
