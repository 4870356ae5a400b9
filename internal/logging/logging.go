// Package logging configures the zerolog loggers used by the flowpipe
// command and, optionally, the library components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a logger writing to w at the named level. Unknown levels fall
// back to info. When pretty is set output goes through zerolog's console
// writer.
func New(level string, w io.Writer, pretty bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// InitLogger installs l as the global zerolog logger with Unix timestamps.
func InitLogger(l zerolog.Logger) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = l
}
