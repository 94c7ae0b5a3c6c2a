// Package observability provides OpenTelemetry tracing and metrics for
// certwatch.
//
// Instruments follow the RED pattern per source fetch:
//   - certwatch.source.fetches  (counter, by source and outcome)
//   - certwatch.source.errors   (counter, by source)
//   - certwatch.source.duration (histogram, seconds)
//   - certwatch.records.merged  (histogram, records per aggregation run)
//   - certwatch.enrichments     (counter, by outcome)
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/Mindburn-Labs/helm/certwatch"

// Fetch outcomes.
const (
	OutcomeFetched  = "fetched"
	OutcomeCached   = "cached"
	OutcomeTimedOut = "timed_out"
	OutcomeFailed   = "failed"
	OutcomeEmpty    = "empty"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext gRPC, dev only
}

// DefaultConfig returns the defaults used when no environment overrides them.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "certwatch",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider holds the certwatch tracer, meter and instruments. Providers built
// by New also own the exporters they started.
type Provider struct {
	config   *Config
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown []func(context.Context) error

	fetches     metric.Int64Counter
	fetchErrors metric.Int64Counter
	fetchTime   metric.Float64Histogram
	merged      metric.Int64Histogram
	enrichments metric.Int64Counter
}

// New creates a provider. With Enabled false nothing is exported and every
// instrument is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	if !config.Enabled {
		logger.DebugContext(ctx, "observability disabled")
		return build(config, metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	}

	tp, mp, err := startExporters(ctx, config)
	if err != nil {
		return nil, err
	}
	p, err := build(config, mp, tp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWith builds a provider on caller-supplied providers, e.g. an SDK meter
// provider with a manual reader in tests. The caller keeps ownership of them.
func NewWith(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	return build(&Config{Enabled: true}, mp, tp)
}

// Disabled returns a provider whose instruments are no-ops.
func Disabled() *Provider {
	p, err := New(context.Background(), &Config{})
	if err != nil {
		// no-op instruments cannot fail to register
		panic(err)
	}
	return p
}

func build(config *Config, mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	p := &Provider{
		config: config,
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion)),
		meter:  mp.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion)),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("register instruments: %w", err)
	}
	return p, nil
}

// startExporters starts OTLP/gRPC trace and metric pipelines for config.
func startExporters(ctx context.Context, config *Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(15*time.Second))),
	)
	return tp, mp, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (p *Provider) initInstruments() error {
	var errs [5]error
	p.fetches, errs[0] = p.meter.Int64Counter("certwatch.source.fetches",
		metric.WithDescription("Source fetch attempts by outcome"),
		metric.WithUnit("{fetch}"),
	)
	p.fetchErrors, errs[1] = p.meter.Int64Counter("certwatch.source.errors",
		metric.WithDescription("Failed or timed out source fetches"),
		metric.WithUnit("{error}"),
	)
	p.fetchTime, errs[2] = p.meter.Float64Histogram("certwatch.source.duration",
		metric.WithDescription("Source fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60),
	)
	p.merged, errs[3] = p.meter.Int64Histogram("certwatch.records.merged",
		metric.WithDescription("Records in the unified list after an aggregation run"),
		metric.WithUnit("{record}"),
	)
	p.enrichments, errs[4] = p.meter.Int64Counter("certwatch.enrichments",
		metric.WithDescription("Record enrichments by outcome"),
		metric.WithUnit("{enrichment}"),
	)
	return errors.Join(errs[:]...)
}

// Shutdown flushes and stops the exporters started by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range p.shutdown {
		errs = append(errs, stop(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a span on the certwatch tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TrackFetch starts a span for one source fetch. The returned function ends
// it and records the outcome.
func (p *Provider) TrackFetch(ctx context.Context, source string) (context.Context, func(outcome string, records int, err error)) {
	start := time.Now()
	src := attribute.String("certwatch.source", source)
	ctx, span := p.tracer.Start(ctx, "certwatch.source.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(src),
	)

	return ctx, func(outcome string, records int, err error) {
		attrs := metric.WithAttributes(src, attribute.String("certwatch.outcome", outcome))
		p.fetches.Add(ctx, 1, attrs)
		p.fetchTime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(src))
		span.SetAttributes(
			attribute.String("certwatch.outcome", outcome),
			attribute.Int("certwatch.records", records),
		)
		if err != nil || outcome == OutcomeTimedOut {
			p.fetchErrors.Add(ctx, 1, metric.WithAttributes(src))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// RecordMerged records the size of one aggregation result.
func (p *Provider) RecordMerged(ctx context.Context, n int) {
	p.merged.Record(ctx, int64(n))
}

// RecordEnrichment counts one enrichment attempt.
func (p *Provider) RecordEnrichment(ctx context.Context, outcome string) {
	p.enrichments.Add(ctx, 1, metric.WithAttributes(attribute.String("certwatch.outcome", outcome)))
}
