// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `yaml:"pretty"`

	// Service, when set, is added to every record as the "service" field.
	Service string `yaml:"service"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Service: "partner-proxy",
		Output:  os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
// Durations are logged in milliseconds.
func Setup(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Unknown levels map to
// Info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
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

// OrDefault returns *l when set, otherwise a component logger derived from
// the global logger.
func OrDefault(l *zerolog.Logger, component string) zerolog.Logger {
	if l != nil {
		return *l
	}
	return NewLogger(component)
}

// FromContext returns the logger attached with zerolog's WithContext, or a
// component logger when ctx carries none.
func FromContext(ctx context.Context, component string) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	l := NewLogger(component)
	return &l
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hits/misses per tier, backfills, evictions
//   - Backoff decisions (attempt, delay, error class)
//   - Rate-limit admissions
//
// Info: Normal operation events
//   - Tier availability at startup
//   - Successful call after retries
//   - Server startup/shutdown, maintenance runs
//
// Warn: Warning conditions that don't prevent operation
//   - Swallowed cache tier failures and timeouts
//   - Retry attempts and rate-limit waits
//   - Rate-limit denials
//
// Error: Error conditions requiring attention
//   - Exhausted retries
//   - Permanent partner failures
//   - Configuration errors
//
// Context Fields:
//   - operation: partner operation name
//   - key: cache key
//   - tier: cache tier name
//   - client_id: rate-limited client identifier
//   - attempt: retry attempt number
//   - error_class: permanent, transient, rate_limited
//   - retry_after: wait requested by the partner or the limiter
//   - duration: call duration
