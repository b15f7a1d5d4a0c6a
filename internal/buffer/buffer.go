// Package buffer provides the per-invocation accumulation queue for log
// records and finalized spans pending export.
package buffer

import (
	"sync"

	"github.com/ashita-ai/keisoku/internal/model"
)

// Buffer accumulates telemetry events in memory for the lifetime of one
// invocation. Append never blocks and never drops; the buffer is bounded by
// the invocation's duration, not by a fixed capacity. Drained events are
// not restored on delivery failure; durability for one flush attempt is
// the exporter's problem.
type Buffer struct {
	mu      sync.Mutex
	records []model.LogRecord
	spans   []model.Span
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append queues a log record for export.
func (b *Buffer) Append(rec model.LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

// AppendSpan queues a finalized span for export. Callers must not mutate
// the span after handing it over.
func (b *Buffer) AppendSpan(sp model.Span) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spans = append(b.spans, sp)
}

// Drain atomically removes and returns all currently buffered events.
// Append order is preserved within each slice of the returned batch.
func (b *Buffer) Drain() model.ExportBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := model.ExportBatch{Records: b.records, Spans: b.spans}
	b.records = nil
	b.spans = nil
	return batch
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records) + len(b.spans)
}
