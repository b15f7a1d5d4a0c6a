// Package export serializes buffered telemetry into the sink's wire format
// and delivers it over authenticated HTTP. One call, one attempt: the
// invocation's remaining time budget is unknown and finite, so retries are
// the caller's decision, not ours.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/keisoku/internal/config"
	"github.com/ashita-ai/keisoku/internal/model"
)

// maxDiagnosticBytes bounds how much of a non-2xx response body is kept.
const maxDiagnosticBytes = 512

// Exporter delivers export batches to the sink as a single JSON array POST
// per flush. Safe for concurrent use: concurrent flushes are independent
// HTTP calls with no shared queue beyond the counters.
type Exporter struct {
	cfg    config.Config
	logger *slog.Logger
	client *http.Client
	url    string

	delivered atomic.Int64 // events delivered across all successful flushes
	failed    atomic.Int64 // flush attempts that ended in a DeliveryError
	skipped   atomic.Int64 // flushes skipped because export is disabled
}

// New creates an Exporter. A nil httpClient gets a default client capped at
// the configured export timeout.
func New(cfg config.Config, logger *slog.Logger, httpClient *http.Client) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ExportTimeout}
	}
	return &Exporter{
		cfg:    cfg,
		logger: logger,
		client: httpClient,
		url: fmt.Sprintf("%s/api/%s/%s/_json",
			strings.TrimRight(cfg.BaseEndpoint, "/"), cfg.Organization, cfg.Stream),
	}
}

// Enabled reports whether the sink is fully configured.
func (e *Exporter) Enabled() bool {
	return e.cfg.ExportEnabled()
}

// URL returns the resolved ingestion URL.
func (e *Exporter) URL() string {
	return e.url
}

// Flush serializes batch and makes exactly one delivery attempt. With
// export disabled it records the skip and returns nil: a no-op, not an
// error. The caller bounds the attempt's duration through ctx.
func (e *Exporter) Flush(ctx context.Context, batch model.ExportBatch) error {
	if batch.Empty() {
		return nil
	}
	if !e.Enabled() {
		e.skipped.Add(1)
		e.logger.Debug("keisoku: sink not configured, skipping export", "events", batch.Size())
		return nil
	}

	payload, err := json.Marshal(e.serialize(batch))
	if err != nil {
		e.failed.Add(1)
		return &DeliveryError{Transient: false, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		e.failed.Add(1)
		return &DeliveryError{Transient: false, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.cfg.Username, e.cfg.Password)

	resp, err := e.client.Do(req)
	if err != nil {
		// Network-level failures and deadline exhaustion are transient:
		// the sink may well be reachable on the next invocation.
		e.failed.Add(1)
		return &DeliveryError{Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.delivered.Add(int64(batch.Size()))
		e.logger.Debug("keisoku: batch delivered", "events", batch.Size(), "status", resp.StatusCode)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBytes))
	e.failed.Add(1)
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		Diagnostic: string(body),
	}
}

// serialize flattens the batch into the sink's record format: one JSON
// object per event, caller metadata merged at the top level with caller
// keys winning on collision.
func (e *Exporter) serialize(batch model.ExportBatch) []map[string]any {
	entries := make([]map[string]any, 0, batch.Size())
	for _, rec := range batch.Records {
		entry := e.baseEntry(rec.Timestamp, string(rec.Level), rec.Message, rec.CorrelationID)
		for k, v := range rec.Metadata {
			entry[k] = v
		}
		entries = append(entries, entry)
	}
	for _, sp := range batch.Spans {
		entries = append(entries, e.spanEntry(sp))
	}
	return entries
}

func (e *Exporter) baseEntry(ts time.Time, level, message, requestID string) map[string]any {
	return map[string]any{
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
		"level":         level,
		"message":       message,
		"service":       e.cfg.ServiceName,
		"function_name": e.cfg.FunctionName,
		"request_id":    requestID,
	}
}

func (e *Exporter) spanEntry(sp model.Span) map[string]any {
	ts := sp.StartedAt
	if sp.EndedAt != nil {
		ts = *sp.EndedAt
	}
	level := string(model.LevelInfo)
	if sp.Status == model.SpanStatusError {
		level = string(model.LevelError)
	}

	entry := e.baseEntry(ts, level, "span ended", sp.CorrelationID)
	entry["span_name"] = sp.Name
	entry["span_id"] = sp.ID.String()
	entry["status"] = string(sp.Status)
	entry["duration_ms"] = sp.Duration().Milliseconds()
	if sp.ParentID != nil {
		entry["parent_span_id"] = sp.ParentID.String()
	}
	if sp.StatusMessage != "" {
		entry["span_error"] = sp.StatusMessage
	}
	if len(sp.Exceptions) > 0 {
		entry["exception_count"] = len(sp.Exceptions)
	}
	for k, v := range sp.Attributes {
		entry[k] = v
	}
	return entry
}

// Delivered returns the total number of events delivered.
func (e *Exporter) Delivered() int64 { return e.delivered.Load() }

// Failed returns the total number of failed flush attempts.
func (e *Exporter) Failed() int64 { return e.failed.Load() }

// Skipped returns the total number of flushes skipped with export disabled.
func (e *Exporter) Skipped() int64 { return e.skipped.Load() }
