package trace

import (
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/keisoku/internal/model"
)

// Span is an open traced operation. It is owned by the code path that
// created it: attributes and exceptions may be added while open, and End
// freezes it exactly once. Ending an already-ended span is a warned no-op
// because callers routinely end spans in both success and deferred cleanup
// paths.
type Span struct {
	tracer *Tracer

	mu    sync.Mutex
	data  model.Span
	ended bool
}

// ID returns the span's unique identifier.
func (s *Span) ID() uuid.UUID {
	return s.data.ID
}

// Name returns the span's operation name.
func (s *Span) Name() string {
	return s.data.Name
}

// CorrelationID returns the correlation id the span was stamped with.
func (s *Span) CorrelationID() string {
	return s.data.CorrelationID
}

// Ended reports whether the span has reached a terminal state.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetAttribute records a key/value attribute on the open span. After the
// span has ended the call is a logged no-op.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.tracer.logger.Warn("keisoku: attribute set on ended span",
			"span", s.data.Name, "key", key)
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(map[string]any)
	}
	s.data.Attributes[key] = value
}

// SetAttributes records multiple attributes at once.
func (s *Span) SetAttributes(attrs map[string]any) {
	for k, v := range attrs {
		s.SetAttribute(k, v)
	}
}

// RecordException appends err to the span's exception list. It does not by
// itself force a terminal status: the span still ends with whatever status
// the caller passes, except that ending with an unresolved status while
// exceptions are recorded resolves to error.
func (s *Span) RecordException(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		s.tracer.logger.Warn("keisoku: exception recorded on ended span",
			"span", s.data.Name, "error", err)
		return
	}
	s.data.Exceptions = append(s.data.Exceptions, model.SpanException{
		Message:    err.Error(),
		Stack:      string(debug.Stack()),
		OccurredAt: s.tracer.now(),
	})
}

// End transitions the span to a terminal state. The first call freezes
// status and end timestamp and enqueues the finalized span for export;
// subsequent calls log a warning and leave the span unchanged.
//
// Passing SpanStatusUnset resolves to error when the span has recorded
// exceptions or a non-nil err, and to ok otherwise.
func (s *Span) End(status model.SpanStatus, err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.tracer.logger.Warn("keisoku: span already ended", "span", s.data.Name)
		return
	}
	s.ended = true

	if err != nil {
		s.data.StatusMessage = err.Error()
	}
	if !status.Terminal() {
		if err != nil || len(s.data.Exceptions) > 0 {
			status = model.SpanStatusError
		} else {
			status = model.SpanStatusOK
		}
	}
	s.data.Status = status

	endedAt := s.tracer.now()
	if endedAt.Before(s.data.StartedAt) {
		endedAt = s.data.StartedAt
	}
	s.data.EndedAt = &endedAt

	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.tracer.finalize(s, snapshot)
}

// EndOK ends the span with ok status.
func (s *Span) EndOK() {
	s.End(model.SpanStatusOK, nil)
}

// EndError records err as an exception and ends the span with error status.
func (s *Span) EndError(err error) {
	s.RecordException(err)
	s.End(model.SpanStatusError, err)
}

// Snapshot returns a copy of the span's current data. Attribute and
// exception slices are copied so the caller cannot observe later mutation.
func (s *Span) Snapshot() model.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() model.Span {
	out := s.data
	if s.data.Attributes != nil {
		out.Attributes = make(map[string]any, len(s.data.Attributes))
		for k, v := range s.data.Attributes {
			out.Attributes[k] = v
		}
	}
	if s.data.Exceptions != nil {
		out.Exceptions = append([]model.SpanException(nil), s.data.Exceptions...)
	}
	return out
}
