// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. format is "json" or "console" (default).
// Logs go to stderr so stdio transports keep stdout to themselves.
func Setup(level, format string) {
	SetupWriter(os.Stderr, level, format)
}

func SetupWriter(w io.Writer, level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(level))
	out := w
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel converts a level name into a zerolog.Level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
