package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
)

// newTestMirror wires a Mirror to in-memory exporters so tests can observe
// exactly what would be shipped over OTLP.
func newTestMirror(t *testing.T) (*Mirror, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &Mirror{
		enabled: true,
		tp:      tp,
		mp:      mp,
		tracer:  tp.Tracer("keisoku"),
		meter:   mp.Meter("keisoku"),
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, exp, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not collected", name)
	return metricdata.Metrics{}
}

func findAttribute(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDisabledMirrorIsNoOp(t *testing.T) {
	m, err := NewMirror(context.Background(), "", "svc", "dev", false)
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	end := time.Now()
	m.MirrorSpan(context.Background(), model.Span{Name: "noop", EndedAt: &end})
	m.MirrorMetrics(context.Background(), []model.MetricPoint{{Kind: model.MetricCounter, Name: "x", Value: 1}})
	assert.NoError(t, m.ForceFlush(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestMirrorSpanPreservesTimestampsAndStatus(t *testing.T) {
	m, exp, _ := newTestMirror(t)

	started := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	ended := started.Add(150 * time.Millisecond)
	parentID := uuid.New()
	sp := model.Span{
		ID:            uuid.New(),
		CorrelationID: "req-mirror",
		ParentID:      &parentID,
		Name:          "dynamodb_operation",
		StartedAt:     started,
		EndedAt:       &ended,
		Attributes:    map[string]any{"db.system": "dynamodb"},
		Status:        model.SpanStatusError,
		StatusMessage: "throttled",
		Exceptions: []model.SpanException{
			{Message: "throttled", Stack: "stack", OccurredAt: started.Add(100 * time.Millisecond)},
		},
	}
	m.MirrorSpan(context.Background(), sp)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "dynamodb_operation", got.Name)
	assert.True(t, got.StartTime.Equal(started), "original start timestamp must survive")
	assert.True(t, got.EndTime.Equal(ended), "original end timestamp must survive")
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "throttled", got.Status.Description)

	v, ok := findAttribute(got.Attributes, "keisoku.correlation_id")
	require.True(t, ok)
	assert.Equal(t, "req-mirror", v.AsString())
	v, ok = findAttribute(got.Attributes, "keisoku.parent_span_id")
	require.True(t, ok)
	assert.Equal(t, parentID.String(), v.AsString())
	_, ok = findAttribute(got.Attributes, "db.system")
	assert.True(t, ok)

	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)
}

func TestMirrorSpanSkipsUnfinished(t *testing.T) {
	m, exp, _ := newTestMirror(t)
	m.MirrorSpan(context.Background(), model.Span{Name: "still_open", StartedAt: time.Now()})
	assert.Empty(t, exp.GetSpans())
}

func TestMirrorCountersAcrossInvocations(t *testing.T) {
	m, _, reader := newTestMirror(t)
	labels := map[string]string{"status": "success"}

	// Each invocation drains a fresh aggregator; every total must land.
	for n := 0; n < 2; n++ {
		agg := metrics.New(nil)
		agg.Increment("demo_requests_total", 1, labels)
		agg.Increment("demo_requests_total", 1, labels)
		m.MirrorMetrics(context.Background(), agg.Drain())
	}

	got := findMetric(t, reader, "demo_requests_total")
	sum, ok := got.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, float64(4), sum.DataPoints[0].Value, "second invocation's increments must not be dropped")
}

func TestMirrorHistogramReplaysRawValues(t *testing.T) {
	m, _, reader := newTestMirror(t)

	agg := metrics.New(nil)
	agg.Observe("demo_processing_duration_ms", 10, nil)
	agg.Observe("demo_processing_duration_ms", 20, nil)
	points := agg.Drain()
	m.MirrorMetrics(context.Background(), points)

	got := findMetric(t, reader, "demo_processing_duration_ms")
	hist, ok := got.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count, "each raw observation recorded individually")
	assert.Equal(t, float64(30), hist.DataPoints[0].Sum)
}

func TestToAttributesConvertsTypes(t *testing.T) {
	attrs := toAttributes(map[string]any{
		"s": "v",
		"b": true,
		"i": 7,
		"f": 1.5,
		"e": errors.New("wrapped"),
	})
	require.Len(t, attrs, 5)

	v, ok := findAttribute(attrs, "i")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.AsInt64())
	v, ok = findAttribute(attrs, "e")
	require.True(t, ok)
	assert.Equal(t, "wrapped", v.AsString())
}
