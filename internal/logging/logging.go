// Package logging wires up the engine's zerolog logger: a console writer
// with an RFC3339 timestamp and the engine's instance id attached to every
// line, following the observability pattern of danmuck-edgectl.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger for one engine instance. level accepts the usual
// zerolog level names ("debug", "info", "warn", "error", "disabled"); an
// unrecognized or empty value falls back to info.
func New(instanceID string, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("app", "iccom").
		Str("instance", instanceID).
		Logger()
	logger = logger.Level(parseLevel(level))
	return logger
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
