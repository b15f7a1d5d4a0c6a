// Package keisoku instruments short-lived, event-triggered compute
// invocations so that every invocation produces three correlated
// observability artifacts: a span tree, structured log records, and
// aggregate metrics, delivered best-effort over HTTP to an ingestion sink
// before the handler returns.
//
//	p, err := keisoku.New(keisoku.WithLogger(logger))
//	if err != nil { ... }
//	resp, err := p.InvokeHTTP(ctx, event, reqCtx, handler)
//
// Telemetry failures are always isolated from the business logic that
// produced the telemetry: a delivery failure is logged locally and never
// alters the invocation's own outcome.
//
// The import graph enforces a strict no-cycle rule: keisoku (root) imports
// internal/*, but internal/* never imports keisoku. Public types (Event,
// RequestContext, Response) are standalone structs; conversion helpers live
// here because this is the only file that sees both sides of the boundary.
package keisoku

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keisoku/internal/buffer"
	"github.com/ashita-ai/keisoku/internal/config"
	"github.com/ashita-ai/keisoku/internal/export"
	"github.com/ashita-ai/keisoku/internal/faas"
	"github.com/ashita-ai/keisoku/internal/metrics"
	"github.com/ashita-ai/keisoku/internal/model"
	"github.com/ashita-ai/keisoku/internal/telemetry"
	"github.com/ashita-ai/keisoku/internal/trace"
)

// flushMargin is kept in reserve when deriving the final flush deadline
// from the invocation's remaining time budget, so the flush can be
// abandoned before the runtime freezes the process.
const flushMargin = 100 * time.Millisecond

// minFlushBudget is the floor below which the final flush still gets a
// chance rather than being skipped outright.
const minFlushBudget = 50 * time.Millisecond

// Pipeline is the per-process telemetry pipeline. Construct once with
// New(); each invocation gets its own Invocation with a fresh correlation
// context, buffer, and aggregator. Connection reuse across invocations is
// an optimization of the host process, never a correctness dependency.
type Pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	exporter *export.Exporter
	mirror   *telemetry.Mirror
	version  string
}

// New initialises the pipeline. It loads configuration, constructs the
// sink exporter, and, when an OTLP endpoint is configured, the telemetry
// mirror. With no sink configured the pipeline still works: export flushes
// short-circuit and everything else behaves normally.
func New(opts ...Option) (*Pipeline, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("keisoku: %w", err)
		}
	} else {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, fmt.Errorf("keisoku: %w", err)
		}
	}

	mirror, err := telemetry.NewMirror(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("keisoku: %w", err)
	}

	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		exporter: export.New(cfg, logger, o.httpClient),
		mirror:   mirror,
		version:  version,
	}, nil
}

// Invoke runs handler under a fresh correlation context and returns its
// plain result. The root span, startup/completion log records, and a final
// best-effort flush are managed here; a handler error is recorded on the
// root span and returned unchanged.
func (p *Pipeline) Invoke(ctx context.Context, event Event, rc RequestContext, handler HandlerFunc) (any, error) {
	result, _, err := p.run(ctx, event, rc, handler)
	return result, err
}

// InvokeHTTP runs handler like Invoke and shapes the outcome into the
// structured response of an HTTP-triggered invocation: 200 with the result
// on success, a generic 500 body on failure, X-Request-ID echoed on both.
// The handler error is returned alongside the response so callers can
// still observe it; the response itself never leaks internal details.
func (p *Pipeline) InvokeHTTP(ctx context.Context, event Event, rc RequestContext, handler HandlerFunc) (Response, error) {
	result, requestID, err := p.run(ctx, event, rc, handler)
	if err != nil {
		return fromFaasResponse(faas.InternalError(requestID)), err
	}

	body, mErr := json.Marshal(map[string]any{
		"message":   "Function executed successfully",
		"requestId": requestID,
		"result":    result,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if mErr != nil {
		// The handler succeeded; an unserializable result is still a 200
		// with the envelope minus the result.
		p.logger.Warn("keisoku: invocation result not serializable", "error", mErr)
		body = fmt.Appendf(nil, `{"message":"Function executed successfully","requestId":%q}`, requestID)
	}
	return fromFaasResponse(faas.OK(requestID, string(body))), nil
}

// Shutdown flushes the telemetry mirror. Call during process teardown when
// the host gives notice; invocation-end flushes do not depend on it.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if err := p.mirror.Shutdown(ctx); err != nil {
		return fmt.Errorf("keisoku: %w", err)
	}
	return nil
}

// run is the shared invocation lifecycle: correlation context, root span,
// handler execution, and the final synchronous flush. It always returns
// the correlation id so both response shapes can echo it.
func (p *Pipeline) run(ctx context.Context, event Event, rc RequestContext, handler HandlerFunc) (any, string, error) {
	fc := toFaasContext(rc)
	if fc.RequestID == "" {
		fc.RequestID = uuid.New().String()
	}
	fe := faas.Event{Payload: event.Payload}

	buf := buffer.New()
	tracer, err := trace.New(fc.RequestID, p.logger, buf)
	if err != nil {
		return nil, fc.RequestID, err
	}
	rootSpan, err := tracer.StartRoot("lambda_handler")
	if err != nil {
		return nil, fc.RequestID, err
	}
	rootSpan.SetAttributes(map[string]any{
		"faas.execution": fc.RequestID,
		"faas.id":        fc.FunctionName,
		"faas.version":   fc.FunctionVersion,
	})

	inv := &Invocation{
		pipeline: p,
		tracer:   tracer,
		buf:      buf,
		agg:      metrics.New(p.logger),
		fc:       fc,
		root:     &Span{inner: rootSpan},
	}

	inv.Info("Lambda function invocation started", map[string]any{
		"function_name":     fc.FunctionName,
		"function_version":  fc.FunctionVersion,
		"remaining_time_ms": fc.RemainingTime().Milliseconds(),
		"event_source":      fe.Source(),
		"event_size":        fe.Size(),
	})

	result, handlerErr := p.callHandler(ctx, inv, event, handler)

	if handlerErr != nil {
		rootSpan.RecordException(handlerErr)
		inv.Error("Lambda function execution failed", map[string]any{
			"error_message": handlerErr.Error(),
			"error_stack":   string(debug.Stack()),
			"function_name": fc.FunctionName,
		})
		rootSpan.End(model.SpanStatusError, handlerErr)
	} else {
		inv.Info("Lambda function execution completed successfully", map[string]any{
			"remaining_time_ms": fc.RemainingTime().Milliseconds(),
		})
		rootSpan.SetAttribute("lambda.execution.success", true)
		rootSpan.EndOK()
	}

	p.flushInvocation(ctx, inv)
	return result, fc.RequestID, handlerErr
}

// callHandler runs the business logic with panic isolation: a panicking
// handler surfaces as an error at the invocation boundary instead of
// taking down the process before telemetry is flushed.
func (p *Pipeline) callHandler(ctx context.Context, inv *Invocation, event Event, handler HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keisoku: handler panic: %v", r)
			p.logger.Error("keisoku: handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return handler(ctx, inv, event)
}

// flushInvocation performs the end-of-invocation synchronous flush: the
// drained event buffer and the aggregated metric points go to the sink,
// and when configured, finished spans and metrics go to the OTLP mirror.
// Everything is bounded by the remaining time budget and every failure is
// logged, never raised.
func (p *Pipeline) flushInvocation(ctx context.Context, inv *Invocation) {
	flushCtx, cancel := context.WithTimeout(ctx, p.flushBudget(inv.fc))
	defer cancel()

	batch := inv.buf.Drain()
	points := inv.agg.Drain()

	g, gctx := errgroup.WithContext(flushCtx)
	g.Go(func() error {
		sinkBatch := batch
		sinkBatch.Records = append(sinkBatch.Records, metricRecords(inv.CorrelationID(), points)...)
		if err := p.exporter.Flush(gctx, sinkBatch); err != nil {
			p.logger.Error("keisoku: telemetry export failed",
				"error", err, "transient", export.IsTransient(err), "events", sinkBatch.Size())
		}
		return nil
	})
	if p.mirror.Enabled() {
		g.Go(func() error {
			for _, sp := range batch.Spans {
				p.mirror.MirrorSpan(gctx, sp)
			}
			p.mirror.MirrorMetrics(gctx, points)
			if err := p.mirror.ForceFlush(gctx); err != nil {
				p.logger.Warn("keisoku: telemetry mirror flush failed", "error", err)
			}
			return nil
		})
	}
	// Flush goroutines swallow their own errors; Wait only synchronizes.
	_ = g.Wait()
}

// flushBudget caps the flush duration against both the configured export
// timeout and the invocation's remaining runtime budget.
func (p *Pipeline) flushBudget(fc faas.Context) time.Duration {
	budget := p.cfg.ExportTimeout
	if remaining := fc.RemainingTime(); remaining > 0 {
		if avail := remaining - flushMargin; avail < budget {
			budget = max(avail, minFlushBudget)
		}
	}
	return budget
}

// metricRecords converts aggregated points into sink log records.
func metricRecords(correlationID string, points []model.MetricPoint) []model.LogRecord {
	records := make([]model.LogRecord, 0, len(points))
	for _, pt := range points {
		meta := map[string]any{
			"metric_name": pt.Name,
			"metric_kind": string(pt.Kind),
			"value":       pt.Value,
		}
		if pt.Kind == model.MetricHistogram {
			meta["count"] = pt.Count
			meta["sum"] = pt.Sum
			meta["min"] = pt.Min
			meta["max"] = pt.Max
		}
		for k, v := range pt.Labels {
			meta["label_"+k] = v
		}
		records = append(records, model.LogRecord{
			Level:         model.LevelInfo,
			Message:       "metric",
			CorrelationID: correlationID,
			Metadata:      meta,
			Timestamp:     time.Now().UTC(),
		})
	}
	return records
}

func toFaasContext(rc RequestContext) faas.Context {
	return faas.Context{
		RequestID:       rc.RequestID,
		FunctionName:    rc.FunctionName,
		FunctionVersion: rc.FunctionVersion,
		InvokedARN:      rc.InvokedARN,
		Deadline:        rc.Deadline,
	}
}

func fromFaasResponse(r faas.Response) Response {
	return Response{StatusCode: r.StatusCode, Headers: r.Headers, Body: r.Body}
}
