// Command keisoku-demo runs one simulated function invocation through the
// telemetry pipeline: a root span, three simulated downstream operations,
// demo metrics, and a final export to the configured sink. The event
// payload is read from the first argument or stdin; --fail forces the
// handler down its error path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	keisoku "github.com/ashita-ai/keisoku"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	fail := flag.Bool("fail", false, "force the handler down its error path")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("KEISOKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *fail); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, fail bool) error {
	payload, err := readEvent()
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}

	pipeline, err := keisoku.New(
		keisoku.WithLogger(logger),
		keisoku.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = pipeline.Shutdown(context.Background()) }()

	slog.Info("keisoku-demo starting", "version", version, "event_size", len(payload))

	rc := keisoku.RequestContext{
		RequestID:       uuid.New().String(),
		FunctionName:    envOr("AWS_LAMBDA_FUNCTION_NAME", "keisoku-lambda-demo"),
		FunctionVersion: envOr("AWS_LAMBDA_FUNCTION_VERSION", "$LATEST"),
		Deadline:        time.Now().Add(30 * time.Second),
	}

	ev := keisoku.Event{Payload: payload}
	demoHandler := func(ctx context.Context, inv *keisoku.Invocation, event keisoku.Event) (any, error) {
		return handle(ctx, inv, event, fail)
	}

	// HTTP-gateway events get the response envelope; direct invocations
	// get the handler's plain result.
	var printable any
	var invokeErr error
	if ev.IsHTTP() {
		printable, invokeErr = pipeline.InvokeHTTP(ctx, ev, rc, demoHandler)
	} else {
		printable, invokeErr = pipeline.Invoke(ctx, ev, rc, demoHandler)
	}

	out, err := json.MarshalIndent(printable, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if invokeErr != nil {
		return fmt.Errorf("invocation failed: %w", invokeErr)
	}
	return nil
}

// handle is the demo business logic: three simulated downstream calls,
// each under its own span, plus request metrics.
func handle(ctx context.Context, inv *keisoku.Invocation, event keisoku.Event, fail bool) (any, error) {
	started := time.Now()

	if fail {
		inv.Increment("demo_requests_total", 1, map[string]string{"status": "error"})
		return nil, errors.New("simulated business logic failure")
	}

	if err := dynamoOperation(ctx, inv); err != nil {
		return nil, err
	}
	if err := s3Operation(ctx, inv); err != nil {
		return nil, err
	}
	if err := externalAPICall(ctx, inv); err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	inv.Increment("demo_requests_total", 1, map[string]string{"status": "success"})
	inv.Observe("demo_processing_duration_ms", float64(elapsed.Milliseconds()), nil)

	inv.Info("Business logic processing completed successfully", map[string]any{
		"processing_time_ms": elapsed.Milliseconds(),
		"operations":         3,
	})

	return map[string]any{
		"processed":          true,
		"operations":         []string{"dynamodb_operation", "s3_operation", "external_api_call"},
		"processing_time_ms": elapsed.Milliseconds(),
	}, nil
}

func dynamoOperation(ctx context.Context, inv *keisoku.Invocation) error {
	sp, err := inv.StartSpan(nil, "dynamodb_operation")
	if err != nil {
		return err
	}
	sp.SetAttributes(map[string]any{
		"db.system":    "dynamodb",
		"db.operation": "GetItem",
		"aws.service":  "dynamodb",
		"db.table":     "demo-table",
	})
	simulateLatency(ctx, 10, 50)
	sp.SetAttribute("db.response.consumed_capacity", 0.5)
	sp.EndOK()
	return nil
}

func s3Operation(ctx context.Context, inv *keisoku.Invocation) error {
	sp, err := inv.StartSpan(nil, "s3_operation")
	if err != nil {
		return err
	}
	sp.SetAttributes(map[string]any{
		"aws.service":   "s3",
		"aws.s3.bucket": "demo-bucket",
		"aws.operation": "GetObject",
	})
	simulateLatency(ctx, 20, 80)
	sp.SetAttribute("aws.s3.object_size", 1024)
	sp.EndOK()
	return nil
}

func externalAPICall(ctx context.Context, inv *keisoku.Invocation) error {
	sp, err := inv.StartSpan(nil, "external_api_call")
	if err != nil {
		return err
	}
	sp.SetAttributes(map[string]any{
		"http.method":  "GET",
		"http.url":     "https://api.example.com/data",
		"peer.service": "example-api",
	})
	simulateLatency(ctx, 50, 150)
	sp.SetAttribute("http.status_code", 200)
	sp.EndOK()
	return nil
}

// simulateLatency sleeps a random duration between min and max
// milliseconds, or until ctx is done.
func simulateLatency(ctx context.Context, min, max int) {
	d := time.Duration(min+rand.Intn(max-min+1)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// readEvent takes the event payload from the first positional argument, a
// piped stdin, or falls back to a manual test event.
func readEvent() (json.RawMessage, error) {
	if flag.NArg() > 0 {
		return json.RawMessage(flag.Arg(0)), nil
	}
	stat, err := os.Stdin.Stat()
	if err == nil && stat.Mode()&os.ModeCharDevice == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return json.RawMessage(data), nil
		}
	}
	return json.RawMessage(`{"test":"manual"}`), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
