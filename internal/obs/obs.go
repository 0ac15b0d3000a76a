// Package obs wires optional OpenTelemetry tracing and metrics for an
// HA2HA node. It is off by default: a node that never sets Config.Enabled
// runs with a no-op tracer/meter and zero network calls.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers for a node.
type Config struct {
	ServiceName  string
	AgentID      string
	OTLPEndpoint string // host:port, e.g. "localhost:4318"
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns a disabled configuration; callers opt in explicitly.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "ha2ha-node",
		OTLPEndpoint: "localhost:4318",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      false,
		Insecure:     true,
	}
}

// Provider owns the trace and metric providers for a node, plus the
// dispatch-path counters every transport handler records against.
type Provider struct {
	config Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	taskCounter     metric.Int64Counter
	refusalCounter  metric.Int64Counter
	durationHist    metric.Float64Histogram
	breakerOpenGuge metric.Int64UpDownCounter
}

// New builds a Provider. If cfg.Enabled is false, it returns a Provider
// whose Tracer/Meter fall back to the global no-op implementations.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "obs"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("ha2ha.agent.id", cfg.AgentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: building resource: %w", err)
	}

	if err := p.initTracing(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init tracing: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("ha2ha")
	p.meter = otel.Meter("ha2ha")
	if err := p.initCounters(); err != nil {
		return nil, fmt.Errorf("obs: init counters: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.mp)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	if p.taskCounter, err = p.meter.Int64Counter("ha2ha.tasks.total",
		metric.WithDescription("tasks dispatched through the approval lifecycle"),
		metric.WithUnit("{task}")); err != nil {
		return err
	}
	if p.refusalCounter, err = p.meter.Int64Counter("ha2ha.refusals.total",
		metric.WithDescription("requests refused by attestation, trust, or rate limiting"),
		metric.WithUnit("{refusal}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("ha2ha.request.duration",
		metric.WithDescription("request handling duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return err
	}
	if p.breakerOpenGuge, err = p.meter.Int64UpDownCounter("ha2ha.breaker.open_peers",
		metric.WithDescription("number of peers currently circuit-open"),
		metric.WithUnit("{peer}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers. Safe to call on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the node's tracer, falling back to the global no-op tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("ha2ha")
	}
	return p.tracer
}

// StartSpan starts a span named for the dispatch operation being performed.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordTask increments the task counter for a terminal or transitional state.
func (p *Provider) RecordTask(ctx context.Context, state string) {
	if p.taskCounter != nil {
		p.taskCounter.Add(ctx, 1, metric.WithAttributes(AttrTaskState.String(state)))
	}
}

// RecordRefusal increments the refusal counter for a given reason kind.
func (p *Provider) RecordRefusal(ctx context.Context, reason string) {
	if p.refusalCounter != nil {
		p.refusalCounter.Add(ctx, 1, metric.WithAttributes(AttrRefusalReason.String(reason)))
	}
}

// RecordDuration records how long a dispatch operation took.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// SetBreakerOpenPeers reports the current count of circuit-open peers.
func (p *Provider) SetBreakerOpenPeers(ctx context.Context, delta int64) {
	if p.breakerOpenGuge != nil {
		p.breakerOpenGuge.Add(ctx, delta)
	}
}

// TrackDispatch wraps a single request/response cycle: starts a span,
// records the request, and returns a completion func that records duration
// and any resulting error.
func (p *Provider) TrackDispatch(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordRefusal(ctx, err.Error())
		}
		span.End()
	}
}
