package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "deposition"

// Logger wraps slog.Logger with the daemon's default fields.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to the configured output.
//
// Parameters:
//   - cfg: Level (debug|info|warn|error), format (json|text) and output
//     (stdout|stderr) from the logging config section
//   - version: Build version, attached to every entry
//   - attrs: Extra default attributes, typically the bench ID
//
// Returns:
//   - *Logger: Ready to use; unknown levels fall back to info and unknown
//     formats to JSON
//
// Example:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("relay").Warn("relay write failed", "channel", 2)
func New(cfg config.LoggingConfig, version string, attrs ...slog.Attr) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWriter(output, cfg, version, attrs...)
}

// NewWriter is New with an explicit destination.
//
// Parameters:
//   - w: Where entries go; New passes stdout or stderr, tests pass a
//     buffer
//   - cfg, version, attrs: As for New (cfg.Output is ignored)
//
// Returns:
//   - *Logger: Logger bound to w
func NewWriter(w io.Writer, cfg config.LoggingConfig, version string, attrs ...slog.Attr) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	defaults := append([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	}, attrs...)

	return &Logger{
		Logger: slog.New(handler.WithAttrs(defaults)),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component returns a child logger tagged with component=name.
//
// The daemon hands one to each subsystem (relay, run, api, mqtt, influxdb)
// so entries can be filtered per subsystem.
//
//	relayLog := logger.Component("relay")
//	relayLog.Warn("channel write failed", "channel", "ch2")
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
