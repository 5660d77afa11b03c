// Package log implements a thin, structured logging facade over zerolog
// shared by every other package in this module.
package log

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Fields is a set of key/value pairs attached to a single log line.
type Fields map[string]any

var (
	debug  atomic.Bool
	output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	root   = zerolog.New(output).With().Timestamp().Logger()
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetDebug toggles debug-level logging globally.
func SetDebug(enabled bool) {
	debug.Store(enabled)
	if enabled {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetJSON switches the root logger to line-delimited JSON output, useful
// when logs are shipped to an aggregator instead of a terminal.
func SetJSON() {
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Logger wraps a named zerolog.Logger.
type Logger struct {
	zerolog.Logger
}

// NewLogger returns a Logger tagged with the given component name. Every
// storage driver, frontend, and middleware in this module gets one of
// these at init time.
func NewLogger(name string) Logger {
	return Logger{root.With().Str("component", name).Logger()}
}

// Err builds a Fields-style field carrying an error, for callers that
// still use the Fields-based helpers below.
func Err(err error) Fields {
	return Fields{"error": err}
}

func asEvent(e *zerolog.Event, fields ...Fields) *zerolog.Event {
	for _, f := range fields {
		for k, v := range f {
			e = e.Interface(k, v)
		}
	}
	return e
}

// Debug logs a debug-level message with optional structured fields.
func Debug(msg string, fields ...Fields) { asEvent(root.Debug(), fields...).Msg(msg) }

// Info logs an info-level message with optional structured fields.
func Info(msg string, fields ...Fields) { asEvent(root.Info(), fields...).Msg(msg) }

// Warn logs a warning-level message with optional structured fields.
func Warn(msg string, fields ...Fields) { asEvent(root.Warn(), fields...).Msg(msg) }

// Error logs an error-level message with optional structured fields.
func Error(msg string, fields ...Fields) { asEvent(root.Error(), fields...).Msg(msg) }

// Fatal logs a fatal message and terminates the process, mirroring the
// teacher's pkg/log.Fatal behavior used at startup.
func Fatal(msg string, fields ...Fields) {
	asEvent(root.Fatal(), fields...).Msg(msg)
	os.Exit(1)
}
