// Package testutil provides shared test infrastructure: a quiet logger and
// an in-process mock ingestion sink.
package testutil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
)

// TestLogger returns a logger configured for test output (errors only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// SinkRequest is one batch POST captured by the mock sink.
type SinkRequest struct {
	Path          string
	Authorization string
	Entries       []map[string]any
}

// Sink is an httptest-backed mock of the remote ingestion service. It
// records every batch it receives and answers with a configurable status.
type Sink struct {
	srv *httptest.Server

	mu       sync.Mutex
	status   int
	requests []SinkRequest
}

// NewSink starts a mock sink answering 200 to every batch. The server is
// closed automatically when the test finishes.
func NewSink(t *testing.T) *Sink {
	t.Helper()
	s := &Sink{status: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entries []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, SinkRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Entries:       entries,
		})
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the sink's base endpoint.
func (s *Sink) URL() string {
	return s.srv.URL
}

// SetStatus changes the HTTP status returned to subsequent batches.
func (s *Sink) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Requests returns all captured batch POSTs.
func (s *Sink) Requests() []SinkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SinkRequest(nil), s.requests...)
}

// Messages returns every "message" field across all captured entries.
func (s *Sink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, req := range s.requests {
		for _, entry := range req.Entries {
			if msg, ok := entry["message"].(string); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}
