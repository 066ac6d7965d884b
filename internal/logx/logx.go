// Package logx builds the service's zerolog logger.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a logger writing to w (stdout when nil). Format "json" emits
// one JSON object per line; anything else uses the console writer.
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.ErrorFieldName = "err"

	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).
		Level(ParseLevel(level, zerolog.InfoLevel)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config string to a level, falling back to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return def
	}
}

// Component derives a logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("comp", name).Logger()
}
