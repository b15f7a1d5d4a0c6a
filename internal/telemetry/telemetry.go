// Package telemetry bridges the pipeline's finished spans and aggregated
// metrics into the OpenTelemetry SDK. The mirror is optional: with no OTLP
// endpoint configured it is a no-op, and mirror failures never affect the
// invocation.
//
// Providers are instance-scoped rather than registered as otel globals, so
// a reused host process never observes another invocation's configuration.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/keisoku/internal/model"
)

// Mirror re-emits finalized telemetry through OTLP/HTTP exporters.
// A zero-value or disabled Mirror is safe to call and does nothing.
type Mirror struct {
	enabled bool
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter
}

// NewMirror configures OTLP trace and metric exporters. If endpoint is
// empty the mirror is disabled and all methods are no-ops.
func NewMirror(ctx context.Context, endpoint, serviceName, version string, insecure bool) (*Mirror, error) {
	if endpoint == "" {
		return &Mirror{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(time.Second),
		),
		sdktrace.WithResource(res),
	)

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)

	return &Mirror{
		enabled: true,
		tp:      tp,
		mp:      mp,
		tracer:  tp.Tracer("keisoku", trace.WithInstrumentationVersion(version)),
		meter:   mp.Meter("keisoku"),
	}, nil
}

// Enabled reports whether an OTLP endpoint is configured.
func (m *Mirror) Enabled() bool {
	return m.enabled
}

// MirrorSpan re-emits one finalized span with its original timestamps.
// The pipeline's own parent linkage is carried as attributes; the OTLP
// tree is flat per invocation.
func (m *Mirror) MirrorSpan(ctx context.Context, sp model.Span) {
	if !m.enabled || sp.EndedAt == nil {
		return
	}

	attrs := toAttributes(sp.Attributes)
	attrs = append(attrs,
		attribute.String("keisoku.correlation_id", sp.CorrelationID),
		attribute.String("keisoku.span_id", sp.ID.String()),
	)
	if sp.ParentID != nil {
		attrs = append(attrs, attribute.String("keisoku.parent_span_id", sp.ParentID.String()))
	}

	_, span := m.tracer.Start(ctx, sp.Name,
		trace.WithTimestamp(sp.StartedAt),
		trace.WithAttributes(attrs...),
	)
	for _, exc := range sp.Exceptions {
		span.AddEvent("exception",
			trace.WithTimestamp(exc.OccurredAt),
			trace.WithAttributes(
				semconv.ExceptionMessageKey.String(exc.Message),
				semconv.ExceptionStacktraceKey.String(exc.Stack),
			),
		)
	}
	switch sp.Status {
	case model.SpanStatusOK:
		span.SetStatus(codes.Ok, "")
	case model.SpanStatusError:
		span.SetStatus(codes.Error, sp.StatusMessage)
	}
	span.End(trace.WithTimestamp(*sp.EndedAt))
}

// MirrorMetrics re-emits aggregated points. Points come from an
// aggregator that lives for exactly one invocation, so a counter point's
// total is that invocation's delta against the meter's cumulative counter
// and is added as-is. Histogram points replay the raw observations
// captured on the point at drain time.
func (m *Mirror) MirrorMetrics(ctx context.Context, points []model.MetricPoint) {
	if !m.enabled {
		return
	}

	for _, p := range points {
		attrs := labelAttributes(p.Labels)
		switch p.Kind {
		case model.MetricCounter:
			counter, err := m.meter.Float64Counter(p.Name)
			if err != nil {
				continue
			}
			if p.Value > 0 {
				counter.Add(ctx, p.Value, metric.WithAttributes(attrs...))
			}
		case model.MetricHistogram:
			hist, err := m.meter.Float64Histogram(p.Name)
			if err != nil {
				continue
			}
			for _, v := range p.Values {
				hist.Record(ctx, v, metric.WithAttributes(attrs...))
			}
		}
	}
}

// ForceFlush pushes any batched spans and metrics to the OTLP endpoint.
func (m *Mirror) ForceFlush(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	if err := m.tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("telemetry: flush traces: %w", err)
	}
	if err := m.mp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("telemetry: flush metrics: %w", err)
	}
	return nil
}

// Shutdown flushes and releases both providers.
func (m *Mirror) Shutdown(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	var firstErr error
	if err := m.tp.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.mp.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func toAttributes(in map[string]any) []attribute.KeyValue {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(in))
	for _, k := range keys {
		switch v := in[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}

func labelAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}

