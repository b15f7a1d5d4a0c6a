// Package config loads and validates pipeline configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	// Sink settings. When any of BaseEndpoint, Organization, Username, or
	// Password is empty, export is disabled and flushes short-circuit.
	BaseEndpoint string
	Organization string
	Stream       string
	Username     string
	Password     string

	// Identity stamped onto every exported record.
	ServiceName     string
	FunctionName    string
	FunctionVersion string

	// OTLP mirror settings. Empty endpoint disables the mirror.
	OTELEndpoint string
	OTELInsecure bool

	// Operational settings.
	ExportTimeout time.Duration // per-flush cap; further bounded by remaining invocation time
	LogLevel      string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		BaseEndpoint:    envStr("OPENOBSERVE_BASE_ENDPOINT", ""),
		Organization:    envStr("OPENOBSERVE_ORGANIZATION", ""),
		Stream:          envStr("OPENOBSERVE_STREAM", "default"),
		Username:        envStr("OPENOBSERVE_USERNAME", ""),
		Password:        envStr("OPENOBSERVE_PASSWORD", ""),
		ServiceName:     envStr("KEISOKU_SERVICE_NAME", "keisoku-lambda-demo"),
		FunctionName:    envStr("AWS_LAMBDA_FUNCTION_NAME", ""),
		FunctionVersion: envStr("AWS_LAMBDA_FUNCTION_VERSION", ""),
		OTELEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ExportTimeout:   envDuration("KEISOKU_EXPORT_TIMEOUT", 3*time.Second),
		LogLevel:        envStr("KEISOKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration consistency. Missing sink settings are not
// an error: they put the exporter into disabled mode instead.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("config: OPENOBSERVE_STREAM must not be empty")
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("config: KEISOKU_EXPORT_TIMEOUT must be positive")
	}
	return nil
}

// ExportEnabled reports whether the sink is fully configured.
func (c Config) ExportEnabled() bool {
	return c.BaseEndpoint != "" && c.Organization != "" && c.Username != "" && c.Password != ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
