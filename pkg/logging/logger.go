// Package logging configures zerolog for the harvester.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs every page, quota observation and secret fetch.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs pages, rotations and job results.
	LevelInfo LogLevel = "info"

	// LevelWarn logs invalidations, low quotas and quota waits.
	LevelWarn LogLevel = "warn"

	// LevelError logs aborted pagination and failed jobs only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ParseLevel validates a level name. "warning" is accepted as an alias of warn.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Setup configures the global zerolog logger.
// Harvested items go to stdout, so logs default to stderr.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level, falling back to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug:
//   - Secret fetched (redacted preview only)
//   - Quota observation with plenty remaining
//   - Cache hit/miss, conditional requests
//   - Pagination complete
//
// Info:
//   - Page fetched (unless the fetcher is quiet)
//   - Credential rotated, credential refreshed
//   - Job complete, harvest started/finished, per-identity usage
//
// Warn:
//   - Credential invalidated
//   - Quota below 100 or exhausted
//   - Waiting for quota reset with a direct token
//   - Cache errors (request continues uncached)
//
// Error:
//   - Secret fetch failed
//   - Pagination aborted, job failed
//
// Context Fields:
//   - component: package emitting the event
//   - run_id: ULID of the harvest run
//   - identity: credential label, never the secret
//   - resource: collection name, e.g. "pulls octo/hello"
//   - page, items: pagination position
//   - outcome: success, rate_limited, unauthorized, not_found, fatal
//   - remaining, limit, reset_at: quota state
