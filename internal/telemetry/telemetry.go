// Package telemetry wires OpenTelemetry tracing and metrics for spoptimize
// and configures logging.
//
// Nothing is exported unless [otel] endpoint is set; spans and metrics are
// still recorded locally so the rest of the code never checks.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yairfalse/spoptimize/internal/config"
)

// Submit outcomes recorded on spoptimize_spot_requests_total.
const (
	OutcomeSubmitted  = "submitted"
	OutcomeSoftFailed = "max_spot_instance_count_exceeded"
	OutcomeError      = "error"
)

const meterName = "github.com/yairfalse/spoptimize"

// Provider owns the global trace and meter providers for one CLI run.
type Provider struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider

	requests metric.Int64Counter
	checks   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewProvider builds the providers from cfg and installs them globally.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	return newProvider(ctx, cfg)
}

// newProvider attaches extra metric readers, used by tests to collect
// in-process.
func newProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName))

	traceOpts, err := traceOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		traces: sdktrace.NewTracerProvider(append(traceOpts, sdktrace.WithResource(res))...),
	}

	metricOpts, err := metricOptions(ctx, cfg)
	if err != nil {
		_ = p.traces.Shutdown(ctx)
		return nil, err
	}
	for _, r := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}
	p.metrics = sdkmetric.NewMeterProvider(append(metricOpts, sdkmetric.WithResource(res))...)

	if err := p.instruments(p.metrics.Meter(meterName)); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.metrics)
	return p, nil
}

func traceOptions(ctx context.Context, cfg config.OTELConfig) ([]sdktrace.TracerProviderOption, error) {
	if !cfg.Traces.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter %s: %w", cfg.Endpoint, err)
	}

	return []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))),
	}, nil
}

func metricOptions(ctx context.Context, cfg config.OTELConfig) ([]sdkmetric.Option, error) {
	if !cfg.Metrics.Enabled || cfg.Endpoint == "" {
		return nil, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter %s: %w", cfg.Endpoint, err)
	}

	// Shutdown flushes, so short runs still export.
	return []sdkmetric.Option{sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp))}, nil
}

func (p *Provider) instruments(m metric.Meter) error {
	var err error
	if p.requests, err = m.Int64Counter("spoptimize_spot_requests_total",
		metric.WithDescription("Spot request submissions by outcome")); err != nil {
		return fmt.Errorf("spot requests counter: %w", err)
	}
	if p.checks, err = m.Int64Counter("spoptimize_spot_status_checks_total",
		metric.WithDescription("Spot request status checks by result")); err != nil {
		return fmt.Errorf("status checks counter: %w", err)
	}
	if p.duration, err = m.Float64Histogram("spoptimize_spot_operation_duration_seconds",
		metric.WithDescription("Latency of spot API operations"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("operation duration histogram: %w", err)
	}
	return nil
}

// RecordSubmit counts one submission and its latency.
func (p *Provider) RecordSubmit(ctx context.Context, region, outcome string, d time.Duration) {
	p.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("outcome", outcome),
	))
	p.observe(ctx, region, "submit", d)
}

// RecordStatus counts one status check. status is "pending", "active",
// "failure" or "error".
func (p *Provider) RecordStatus(ctx context.Context, region, status string, d time.Duration) {
	p.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("status", status),
	))
	p.observe(ctx, region, "status", d)
}

func (p *Provider) observe(ctx context.Context, region, operation string, d time.Duration) {
	p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("operation", operation),
	))
}

// Shutdown flushes pending spans and metrics. Both providers are always
// shut down; their errors are joined.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider: %w", err))
	}
	if p.metrics != nil {
		if err := p.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
