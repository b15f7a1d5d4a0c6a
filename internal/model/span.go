package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanStatus represents the terminal state of a traced operation.
type SpanStatus string

const (
	SpanStatusUnset SpanStatus = "unset"
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s SpanStatus) Terminal() bool {
	return s == SpanStatusOK || s == SpanStatusError
}

// SpanException is one exception recorded on an open span.
type SpanException struct {
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Span is the finalized record of one traced operation. Spans form a tree
// via ParentID, rooted at the invocation's root span (ParentID nil).
// A Span handed to the export pipeline is immutable.
type Span struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	ParentID      *uuid.UUID      `json:"parent_id,omitempty"`
	Name          string          `json:"name"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Attributes    map[string]any  `json:"attributes,omitempty"`
	Status        SpanStatus      `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	Exceptions    []SpanException `json:"exceptions,omitempty"`
}

// Duration returns the span's wall-clock duration, or zero while open.
func (s Span) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
