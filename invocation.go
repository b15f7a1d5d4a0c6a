package keisoku

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/keisoku/internal/buffer"
	"github.com/ashita-ai/keisoku/internal/export"
	"github.com/ashita-ai/keisoku/internal/faas"
	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/trace"
)

// Invocation is the per-invocation telemetry handle passed to the handler.
// All spans, log records, and metrics produced through it carry the same
// correlation id, and all state is owned by this single invocation: nothing
// here is shared with concurrent invocations.
type Invocation struct {
	pipeline *Pipeline
	tracer   *trace.Tracer
	buf      *buffer.Buffer
	agg      *metrics.Aggregator
	fc       faas.Context
	root     *Span
}

// CorrelationID returns the identifier stamped on every artifact of this
// invocation.
func (inv *Invocation) CorrelationID() string {
	return inv.tracer.CorrelationID()
}

// Root returns the invocation's root span.
func (inv *Invocation) Root() *Span {
	return inv.root
}

// FunctionName reports the executing function's name from the runtime
// context.
func (inv *Invocation) FunctionName() string {
	return inv.fc.FunctionName
}

// RemainingTime reports how long the invocation may still run, zero when
// the runtime imposes no deadline.
func (inv *Invocation) RemainingTime() time.Duration {
	return inv.fc.RemainingTime()
}

// StartSpan opens a child span under parent. A nil parent attaches the
// span under the root. Passing a span from another invocation, or one that
// has already ended, returns an error; the caller decides whether that
// aborts the operation or merely skips the instrumentation.
func (inv *Invocation) StartSpan(parent *Span, name string) (*Span, error) {
	p := inv.root.inner
	if parent != nil {
		p = parent.inner
	}
	sp, err := inv.tracer.StartSpan(p, name)
	if err != nil {
		return nil, fmt.Errorf("keisoku: %w", err)
	}
	return &Span{inner: sp}, nil
}

// Info buffers an info-level record and echoes it to the local logger.
func (inv *Invocation) Info(message string, metadata map[string]any) {
	inv.log(model.LevelInfo, message, metadata)
}

// Warn buffers a warn-level record and echoes it to the local logger.
func (inv *Invocation) Warn(message string, metadata map[string]any) {
	inv.log(model.LevelWarn, message, metadata)
}

// Error buffers an error-level record and echoes it to the local logger.
func (inv *Invocation) Error(message string, metadata map[string]any) {
	inv.log(model.LevelError, message, metadata)
}

func (inv *Invocation) log(level model.LogLevel, message string, metadata map[string]any) {
	inv.buf.Append(model.LogRecord{
		Level:         level,
		Message:       message,
		CorrelationID: inv.CorrelationID(),
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	})

	logger := inv.pipeline.logger.With("request_id", inv.CorrelationID())
	switch level {
	case model.LevelWarn:
		logger.Warn(message)
	case model.LevelError:
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

// Increment adds delta to a named counter. Series are keyed by name plus
// the full label set; a negative delta is rejected with a local warning.
func (inv *Invocation) Increment(name string, delta float64, labels map[string]string) {
	inv.agg.Increment(name, delta, labels)
}

// Observe records one sample into a named histogram.
func (inv *Invocation) Observe(name string, value float64, labels map[string]string) {
	inv.agg.Observe(name, value, labels)
}

// Flush exports everything buffered so far without waiting for the end of
// the invocation. Records and finished spans drained here will not appear
// again in the final flush. Delivery failure is reported to the caller but
// the invocation's telemetry state stays intact either way.
func (inv *Invocation) Flush(ctx context.Context) error {
	batch := inv.buf.Drain()
	if err := inv.pipeline.exporter.Flush(ctx, batch); err != nil {
		inv.pipeline.logger.Error("keisoku: mid-invocation export failed",
			"error", err, "transient", export.IsTransient(err), "events", batch.Size())
		return err
	}
	return nil
}

// Span is an in-flight unit of work. It is a thin handle over the
// invocation's recorder; End is idempotent and attribute writes after End
// are dropped with a local warning.
type Span struct {
	inner *trace.Span
}

// Name returns the operation name the span was started with.
func (s *Span) Name() string {
	return s.inner.Name()
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	return s.inner.Ended()
}

// SetAttribute attaches one key/value attribute, overwriting any previous
// value for the key.
func (s *Span) SetAttribute(key string, value any) {
	s.inner.SetAttribute(key, value)
}

// SetAttributes attaches all entries of attrs.
func (s *Span) SetAttributes(attrs map[string]any) {
	s.inner.SetAttributes(attrs)
}

// RecordException records err on the span without ending it.
func (s *Span) RecordException(err error) {
	s.inner.RecordException(err)
}

// EndOK finalizes the span with OK status.
func (s *Span) EndOK() {
	s.inner.EndOK()
}

// EndError finalizes the span with error status, recording err if it was
// not already recorded.
func (s *Span) EndError(err error) {
	s.inner.EndError(err)
}
