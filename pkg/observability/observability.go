// Package observability wires OpenTelemetry tracing and metrics for the
// dispatcher, the retry queue and the aggregation engine.
//
// A Provider is always usable. Without an OTLP endpoint it records into the
// global no-op providers, and a nil *Provider is accepted by every method.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "regiment"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317"; empty disables export
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultConfig returns defaults for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "regiment",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Enabled reports whether telemetry is exported.
func (c *Config) Enabled() bool { return c != nil && c.OTLPEndpoint != "" }

// Provider owns the trace and metric providers and the instruments
// recorded by the rest of the service.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// domain counters
	dispatches  metric.Int64Counter
	skips       metric.Int64Counter
	sends       metric.Int64Counter
	sendFailed  metric.Int64Counter
	exhaustions metric.Int64Counter
	alerts      metric.Int64Counter
	flags       metric.Int64Counter
}

// New creates a provider. Export is only set up when cfg has an endpoint.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.Enabled() {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	} else {
		p.logger.InfoContext(ctx, "telemetry export disabled")
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	if cfg.Enabled() {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", cfg.ServiceName,
			"endpoint", cfg.OTLPEndpoint,
			"sample_rate", cfg.SampleRate,
		)
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&p.requestCounter, "regiment.operations.total", "Operations started", "{operation}"},
		{&p.errorCounter, "regiment.errors.total", "Operations that returned an error", "{error}"},
		{&p.dispatches, "regiment.dispatch.total", "Drops and deadline checks claimed", "{dispatch}"},
		{&p.skips, "regiment.dispatch.skipped", "Clients skipped by the dispatcher", "{client}"},
		{&p.sends, "regiment.send.total", "Successful sends", "{message}"},
		{&p.sendFailed, "regiment.send.failed", "Failed send attempts", "{attempt}"},
		{&p.exhaustions, "regiment.send.exhausted", "Sends that ran out of attempts", "{message}"},
		{&p.alerts, "regiment.alerts.total", "Alerts raised", "{alert}"},
		{&p.flags, "regiment.flags.total", "Flags raised by aggregation", "{flag}"},
	}
	for _, c := range counters {
		inst, err := p.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return err
		}
		*c.dst = inst
	}

	var err error
	p.durationHist, err = p.meter.Float64Histogram("regiment.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("regiment.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation starts a span and the RED instruments for one operation.
// The returned function ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("operation", name))

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	opt := metric.WithAttributes(attrs...)
	p.activeOperations.Add(ctx, 1, opt)
	p.requestCounter.Add(ctx, 1, opt)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, opt)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), opt)
		if err != nil {
			span.RecordError(err)
			errAttrs := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}

// Dispatched counts a claimed drop or deadline check.
func (p *Provider) Dispatched(ctx context.Context, task string) {
	if p == nil {
		return
	}
	p.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
}

// Skipped counts a client the dispatcher passed over and why.
func (p *Provider) Skipped(ctx context.Context, reason string) {
	if p == nil {
		return
	}
	p.skips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SendResult counts one send attempt.
func (p *Provider) SendResult(ctx context.Context, kind string, attempt int, err error) {
	if p == nil {
		return
	}
	opt := metric.WithAttributes(attribute.String("kind", kind), attribute.Int("attempt", attempt))
	if err != nil {
		p.sendFailed.Add(ctx, 1, opt)
		return
	}
	p.sends.Add(ctx, 1, opt)
}

// Exhausted counts a send that will not be retried again.
func (p *Provider) Exhausted(ctx context.Context, kind string) {
	if p == nil {
		return
	}
	p.exhaustions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AlertRaised counts an alert by class and code.
func (p *Provider) AlertRaised(ctx context.Context, class, code string) {
	if p == nil {
		return
	}
	p.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class), attribute.String("code", code)))
}

// FlagRaised counts a weekly or scan flag.
func (p *Provider) FlagRaised(ctx context.Context, flag string) {
	if p == nil {
		return
	}
	p.flags.Add(ctx, 1, metric.WithAttributes(attribute.String("flag", flag)))
}
