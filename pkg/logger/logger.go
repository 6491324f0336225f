// Package logger provides the process-wide zerolog facade used by every
// component in outboxcore. Components never construct their own
// zerolog.Logger; they call logger.Logger.With()... so that log level and
// output format stay governed by one place.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger is the package-wide logger. Call Init (or InitWithWriter) once at
// process startup before using it.
var Logger zerolog.Logger

// Init configures Logger from LOG_LEVEL / LOG_FORMAT env vars, writing to
// stdout.
func Init() {
	InitWithWriter(os.Stdout)
}

// InitWithWriter is Init with an explicit writer, for tests and for
// redirecting output.
func InitWithWriter(w io.Writer) {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}

	if os.Getenv("LOG_FORMAT") == "json" {
		Logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	}

	zlog.Logger = Logger
}

// Component returns a child logger tagged with a "component" field, the
// convention every package in outboxcore uses to identify its log lines.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
