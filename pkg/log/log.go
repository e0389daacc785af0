package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/xmtp/mlsengine/pkg/metrics"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// errorCounter is a zerolog.Hook that feeds every Error-or-above event
// into metrics.LoggedErrorsTotal, labeled by the component the event
// was logged under. A log line an operator never looks at twice still
// has to trip an alert the first time it matters, so the error rate
// rides on the same event as the log line rather than needing a
// separate Inc() call at each call site.
type errorCounter struct {
	component string
}

func (h errorCounter) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	if level < zerolog.ErrorLevel || level == zerolog.NoLevel {
		return
	}
	component := h.component
	if component == "" {
		component = "uncategorized"
	}
	metrics.LoggedErrorsTotal.WithLabelValues(component).Inc()
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field. Errors
// logged through it are attributed to component in
// mlsengine_logged_errors_total.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger().Hook(errorCounter{component: component})
}

// WithGroup creates a child logger scoped to a group id, attributed to
// the "group" component for error counting.
func WithGroup(groupID []byte) zerolog.Logger {
	return Logger.With().Hex("group_id", groupID).Logger().Hook(errorCounter{component: "group"})
}

// WithTopic creates a child logger scoped to a topic name, attributed
// to the "cursor" component for error counting.
func WithTopic(topic string) zerolog.Logger {
	return Logger.With().Str("topic", topic).Logger().Hook(errorCounter{component: "cursor"})
}

// WithInstallation creates a child logger scoped to an installation id,
// attributed to the "identity" component for error counting.
func WithInstallation(installationID []byte) zerolog.Logger {
	return Logger.With().Hex("installation_id", installationID).Logger().Hook(errorCounter{component: "identity"})
}

// WithCursor creates a child logger scoped to a sequence/originator
// position, attributed to the "cursor" component for error counting.
func WithCursor(sequenceID uint64, originatorID uint32) zerolog.Logger {
	return Logger.With().
		Uint64("sequence_id", sequenceID).
		Uint32("originator_id", originatorID).
		Logger().Hook(errorCounter{component: "cursor"})
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	metrics.LoggedErrorsTotal.WithLabelValues("uncategorized").Inc()
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	metrics.LoggedErrorsTotal.WithLabelValues("uncategorized").Inc()
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
