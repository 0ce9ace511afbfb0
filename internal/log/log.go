// Package log provides leveled structured logging for scoutd, backed by
// zerolog. Call sites pass alternating key/value pairs after the message.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339
}

// Configure sets the global log level and output format.
// Level is one of trace, debug, info, warn, error. Format is "console" for
// human-readable output or "json" for machine-readable output.
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	out := zerolog.New(os.Stderr)
	if format == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	logger = out.Level(lvl).With().Timestamp().Logger()
}

// Trace logs a message at trace level with optional key/value pairs.
func Trace(msg string, kv ...any) {
	emit(logger.Trace(), msg, kv)
}

// Debug logs a message at debug level with optional key/value pairs.
func Debug(msg string, kv ...any) {
	emit(logger.Debug(), msg, kv)
}

// Info logs a message at info level with optional key/value pairs.
func Info(msg string, kv ...any) {
	emit(logger.Info(), msg, kv)
}

// Warn logs a message at warn level with optional key/value pairs.
func Warn(msg string, kv ...any) {
	emit(logger.Warn(), msg, kv)
}

// Error logs a message at error level with optional key/value pairs.
func Error(msg string, kv ...any) {
	emit(logger.Error(), msg, kv)
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
