package keisoku

import (
	"log/slog"
	"net/http"

	"github.com/ashita-ai/keisoku/internal/config"
)

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger     *slog.Logger
	cfg        *config.Config
	httpClient *http.Client
	version    string
}

// WithLogger sets the structured logger for the pipeline.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithConfig replaces the environment-derived configuration entirely.
// Mainly useful in tests; production deployments configure via env vars.
func WithConfig(cfg Config) Option {
	return func(o *resolvedOptions) {
		c := config.Config(cfg)
		o.cfg = &c
	}
}

// WithHTTPClient sets the HTTP client used for sink delivery. If not set,
// a default client capped at the configured export timeout is used.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithVersion sets the version string reported on mirrored telemetry and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
