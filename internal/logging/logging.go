// Package logging sets up the structured zerolog logger SPEC_FULL.md
// §10's ambient stack calls for, replacing the teacher's bare
// log.Printf("[component] ...") convention with the same component
// tagging expressed as structured fields.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a component-tagged logger. In dev mode it writes a
// human-readable console line; otherwise it writes one JSON object per
// line, suitable for log aggregation.
func New(component string, dev bool) zerolog.Logger {
	var out zerolog.ConsoleWriter
	var logger zerolog.Logger
	if dev {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("component", component).Logger()
}
