// Package model defines the telemetry data types shared across the
// correlation, buffering, and export pipeline. All types are plain data;
// lifecycle rules (who may mutate what, and when) live with their owners.
package model

import "time"

// LogLevel is the severity of a structured log record.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogRecord is one structured log event produced during an invocation.
// Immutable once created; queued in the event buffer until flushed.
type LogRecord struct {
	Level         LogLevel       `json:"level"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// MetricKind distinguishes counter deltas from histogram observations.
type MetricKind string

const (
	MetricCounter   MetricKind = "counter"
	MetricHistogram MetricKind = "histogram"
)

// MetricPoint is one aggregated metric value at flush time. For counters
// Value is the accumulated total; for histograms Count/Sum/Min/Max
// summarize the observations since the last drain.
type MetricPoint struct {
	Kind   MetricKind        `json:"kind"`
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Count  int64             `json:"count,omitempty"`
	Sum    float64           `json:"sum,omitempty"`
	Min    float64           `json:"min,omitempty"`
	Max    float64           `json:"max,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	// Values holds the raw histogram observations behind this point, so a
	// consumer can replay the distribution after the aggregator resets.
	// In-process only; the sink receives the summary fields above.
	Values []float64 `json:"-"`
}

// ExportBatch is the ephemeral collection assembled immediately before a
// delivery attempt. Owned solely by the exporter for the duration of one
// HTTP call and discarded after the call resolves.
type ExportBatch struct {
	Records []LogRecord
	Spans   []Span
}

// Empty reports whether the batch contains nothing to deliver.
func (b ExportBatch) Empty() bool {
	return len(b.Records) == 0 && len(b.Spans) == 0
}

// Size returns the total number of events in the batch.
func (b ExportBatch) Size() int {
	return len(b.Records) + len(b.Spans)
}
