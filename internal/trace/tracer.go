// Package trace implements the per-invocation correlation context and the
// span lifecycle state machine. There are no package-level tracer globals:
// a Tracer is constructed at invocation start and discarded at invocation
// end, so a reused host process can never leak state across invocations.
package trace

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keisoku/internal/model"
)

// SpanSink receives finalized spans. Satisfied by buffer.Buffer.
type SpanSink interface {
	AppendSpan(model.Span)
}

// InvalidSpanNestingError indicates a span-usage bug in the calling code:
// starting a second root, or parenting onto an ended or foreign span.
// Unlike delivery failures it propagates to the caller.
type InvalidSpanNestingError struct {
	Reason string
}

func (e *InvalidSpanNestingError) Error() string {
	return fmt.Sprintf("keisoku: invalid span nesting: %s", e.Reason)
}

// Tracer is the correlation context for a single invocation. It owns the
// span tree rooted at the invocation's root span and stamps every span with
// the invocation's correlation id.
type Tracer struct {
	correlationID string
	logger        *slog.Logger
	sink          SpanSink
	now           func() time.Time

	mu   sync.Mutex
	root *Span
	live map[uuid.UUID]*Span
}

// New begins an invocation's correlation context. The correlation id is the
// runtime-assigned request identifier and must be non-empty.
func New(correlationID string, logger *slog.Logger, sink SpanSink) (*Tracer, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("keisoku: correlation id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		correlationID: correlationID,
		logger:        logger,
		sink:          sink,
		now:           func() time.Time { return time.Now().UTC() },
		live:          make(map[uuid.UUID]*Span),
	}, nil
}

// CorrelationID returns the invocation's correlation id.
func (t *Tracer) CorrelationID() string {
	return t.correlationID
}

// StartRoot opens the invocation's root span. Fails if a root already
// exists for this correlation context.
func (t *Tracer) StartRoot(name string) (*Span, error) {
	return t.StartSpan(nil, name)
}

// StartSpan opens a span under parent. A nil parent creates the root span,
// but only if no root exists yet; otherwise the call fails with
// *InvalidSpanNestingError. The parent must be open and owned by this
// tracer.
func (t *Tracer) StartSpan(parent *Span, name string) (*Span, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parentID *uuid.UUID
	switch {
	case parent == nil:
		if t.root != nil {
			return nil, &InvalidSpanNestingError{
				Reason: fmt.Sprintf("root span already exists for correlation id %s", t.correlationID),
			}
		}
	case parent.tracer != t:
		return nil, &InvalidSpanNestingError{
			Reason: fmt.Sprintf("parent span %q belongs to a different invocation", parent.Name()),
		}
	case parent.Ended():
		return nil, &InvalidSpanNestingError{
			Reason: fmt.Sprintf("parent span %q already ended", parent.Name()),
		}
	default:
		id := parent.ID()
		parentID = &id
	}

	sp := &Span{
		tracer: t,
		data: model.Span{
			ID:            uuid.New(),
			CorrelationID: t.correlationID,
			ParentID:      parentID,
			Name:          name,
			StartedAt:     t.now(),
			Status:        model.SpanStatusUnset,
		},
	}
	t.live[sp.data.ID] = sp
	if parent == nil {
		t.root = sp
	}
	return sp, nil
}

// Root returns the root span, or nil if none has been started.
func (t *Tracer) Root() *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// OpenSpans returns the number of spans that have been started but not ended.
func (t *Tracer) OpenSpans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// finalize removes the span from the live set and hands its finalized
// representation to the sink. Called exactly once per span, from Span.End.
func (t *Tracer) finalize(sp *Span, snapshot model.Span) {
	t.mu.Lock()
	delete(t.live, sp.data.ID)
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.AppendSpan(snapshot)
	}
}
