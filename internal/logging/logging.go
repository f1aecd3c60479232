// Package logging provides the leveled, colorized-when-a-TTY logger shared
// by every component of streamrelay.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. When stdout is a terminal, output is
// colorized and human-readable; otherwise it falls back to zerolog's
// compact JSON so log aggregation doesn't need a separate parser.
func New(level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var writer io.Writer = out
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		writer = zerolog.ConsoleWriter{
			Out:        f,
			TimeFormat: "2006-01-02 15:04:05.000",
		}
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal(f *os.File) bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
