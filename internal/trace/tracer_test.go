package trace

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisoku/internal/model"
)

// recordingSink captures finalized spans for assertions.
type recordingSink struct {
	mu    sync.Mutex
	spans []model.Span
}

func (r *recordingSink) AppendSpan(sp model.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, sp)
}

func (r *recordingSink) all() []model.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Span(nil), r.spans...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTracer(t *testing.T, sink SpanSink) *Tracer {
	t.Helper()
	tr, err := New("req-123", testLogger(), sink)
	require.NoError(t, err)
	return tr
}

func TestNewRequiresCorrelationID(t *testing.T) {
	_, err := New("", testLogger(), nil)
	require.Error(t, err)
}

func TestRootSpanLifecycle(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	assert.Equal(t, "req-123", root.CorrelationID())
	assert.Equal(t, 1, tr.OpenSpans())

	root.SetAttribute("faas.execution", "req-123")
	root.EndOK()

	assert.Equal(t, 0, tr.OpenSpans())
	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, model.SpanStatusOK, spans[0].Status)
	assert.Nil(t, spans[0].ParentID)
	require.NotNil(t, spans[0].EndedAt)
	assert.False(t, spans[0].EndedAt.Before(spans[0].StartedAt))
	assert.Equal(t, "req-123", spans[0].Attributes["faas.execution"])
}

func TestSecondRootFailsWithNestingError(t *testing.T) {
	tr := newTestTracer(t, &recordingSink{})
	_, err := tr.StartRoot("handler")
	require.NoError(t, err)

	_, err = tr.StartSpan(nil, "another-root")
	var nestErr *InvalidSpanNestingError
	require.ErrorAs(t, err, &nestErr)
}

func TestChildSpanLinksToParent(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	child, err := tr.StartSpan(root, "dynamodb_operation")
	require.NoError(t, err)

	child.EndOK()
	root.EndOK()

	spans := sink.all()
	require.Len(t, spans, 2)
	// Child is finalized first.
	require.NotNil(t, spans[0].ParentID)
	assert.Equal(t, root.ID(), *spans[0].ParentID)
	assert.Equal(t, root.CorrelationID(), spans[0].CorrelationID)
}

func TestStartSpanOnEndedParentFails(t *testing.T) {
	tr := newTestTracer(t, &recordingSink{})
	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.EndOK()

	_, err = tr.StartSpan(root, "late-child")
	var nestErr *InvalidSpanNestingError
	require.ErrorAs(t, err, &nestErr)
}

func TestStartSpanOnForeignParentFails(t *testing.T) {
	trA := newTestTracer(t, &recordingSink{})
	trB, err := New("req-456", testLogger(), &recordingSink{})
	require.NoError(t, err)

	rootA, err := trA.StartRoot("handler")
	require.NoError(t, err)

	_, err = trB.StartSpan(rootA, "cross-invocation")
	var nestErr *InvalidSpanNestingError
	require.ErrorAs(t, err, &nestErr)
}

func TestEndIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.EndOK()

	first := sink.all()[0]
	time.Sleep(5 * time.Millisecond)

	// Second end must not change status, end timestamp, or re-enqueue.
	root.End(model.SpanStatusError, errors.New("too late"))
	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, first.Status, spans[0].Status)
	assert.Equal(t, first.EndedAt, spans[0].EndedAt)
}

func TestRecordExceptionDoesNotEndSpan(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.RecordException(errors.New("transient glitch"))

	assert.False(t, root.Ended())
	assert.Empty(t, sink.all())
}

func TestEndUnsetResolvesToErrorWithRecordedException(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.RecordException(errors.New("boom"))
	root.End(model.SpanStatusUnset, nil)

	spans := sink.all()
	require.Len(t, spans, 1)
	assert.Equal(t, model.SpanStatusError, spans[0].Status)
	require.Len(t, spans[0].Exceptions, 1)
	assert.Equal(t, "boom", spans[0].Exceptions[0].Message)
	assert.NotEmpty(t, spans[0].Exceptions[0].Stack)
}

func TestEndUnsetResolvesToOKWithoutExceptions(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.End(model.SpanStatusUnset, nil)

	assert.Equal(t, model.SpanStatusOK, sink.all()[0].Status)
}

func TestAttributeAfterEndIsNoop(t *testing.T) {
	sink := &recordingSink{}
	tr := newTestTracer(t, sink)

	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.SetAttribute("before", 1)
	root.EndOK()
	root.SetAttribute("after", 2)

	attrs := sink.all()[0].Attributes
	assert.Contains(t, attrs, "before")
	assert.NotContains(t, attrs, "after")
}

func TestSnapshotIsolatedFromLaterMutation(t *testing.T) {
	tr := newTestTracer(t, &recordingSink{})
	root, err := tr.StartRoot("handler")
	require.NoError(t, err)
	root.SetAttribute("k", "v1")

	snap := root.Snapshot()
	root.SetAttribute("k", "v2")

	assert.Equal(t, "v1", snap.Attributes["k"])
}
