// Package faas models the invocation boundary: the event payload and
// runtime context handed to the handler, and the structured response
// returned from HTTP-triggered invocations.
package faas

import (
	"encoding/json"
	"fmt"
	"time"
)

// Context is the runtime-supplied invocation context. RequestID doubles as
// the invocation's correlation id.
type Context struct {
	RequestID       string
	FunctionName    string
	FunctionVersion string
	InvokedARN      string
	Deadline        time.Time // zero when the runtime imposes no deadline
}

// RemainingTime returns the wall-clock budget left before the runtime's
// deadline, or zero when no deadline is set.
func (c Context) RemainingTime() time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	remaining := time.Until(c.Deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Event is the raw invocation payload.
type Event struct {
	Payload json.RawMessage
}

// Size returns the payload length in bytes.
func (e Event) Size() int {
	return len(e.Payload)
}

// Source returns the event's declared source, or "unknown".
func (e Event) Source() string {
	var probe struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil || probe.Source == "" {
		return "unknown"
	}
	return probe.Source
}

// IsHTTP reports whether the payload looks like an HTTP-triggered
// (API gateway shaped) invocation.
func (e Event) IsHTTP() bool {
	var probe struct {
		HTTPMethod     string          `json:"httpMethod"`
		RequestContext json.RawMessage `json:"requestContext"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return false
	}
	return probe.HTTPMethod != "" || len(probe.RequestContext) > 0
}

// Response is the structured result of an HTTP-triggered invocation.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// New builds a response with the correlation id echoed in X-Request-ID.
func New(status int, requestID, body string) Response {
	return Response{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Request-ID": requestID,
		},
		Body: body,
	}
}

// OK builds a 200 response.
func OK(requestID, body string) Response {
	return New(200, requestID, body)
}

// InternalError builds the generic 500 response: the correlation id and a
// fixed error message, never internal details or stack traces. Stack
// traces go only to the structured log channel.
func InternalError(requestID string) Response {
	body := fmt.Sprintf(`{"error":"Internal server error","requestId":%q,"timestamp":%q}`,
		requestID, time.Now().UTC().Format(time.RFC3339Nano))
	return New(500, requestID, body)
}
