package keisoku

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/keisoku/internal/config"
	"github.com/ashita-ai/keisoku/internal/faas"
)

// Config is the pipeline configuration. See internal/config for the
// environment variables each field is loaded from.
type Config config.Config

// Event is the raw invocation payload handed to the handler.
type Event struct {
	Payload json.RawMessage
}

// IsHTTP reports whether the payload has the shape of an HTTP-gateway
// event. Callers use it to choose between Invoke and InvokeHTTP when the
// trigger is not known up front.
func (e Event) IsHTTP() bool {
	return faas.Event{Payload: e.Payload}.IsHTTP()
}

// RequestContext is the runtime-supplied invocation context. RequestID is
// the invocation's correlation id; a zero Deadline means the runtime
// imposes none.
type RequestContext struct {
	RequestID       string
	FunctionName    string
	FunctionVersion string
	InvokedARN      string
	Deadline        time.Time
}

// Response is the structured result of an HTTP-triggered invocation, with
// the correlation id echoed in the X-Request-ID header.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HandlerFunc is the business logic wrapped by the pipeline. The returned
// value becomes the invocation result; a returned error is recorded on the
// root span and re-raised to the invocation boundary.
type HandlerFunc func(ctx context.Context, inv *Invocation, event Event) (any, error)
