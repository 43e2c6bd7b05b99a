// Package logging configures the process-wide structured logger every
// other package logs through.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the zerolog writer: "text" is a human console writer,
// "json" is zerolog's native structured output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

var base zerolog.Logger

func init() {
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// Configure rebuilds the base logger from CLI flags/env (spec.md §6:
// -l/--log-level, -F/--log-format, -n/--no-color, LOG_LEVEL, LOG_FORMAT,
// NO_COLOR).
func Configure(level string, format Format, noColor bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer
	switch format {
	case FormatJSON:
		w = os.Stderr
	default:
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: noColor}
	}

	base = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Base returns the process-wide logger.
func Base() *zerolog.Logger {
	return &base
}

// For returns a child logger scoped to a component name, the structured
// equivalent of the teacher's "[addr] message" string-prefixed lines.
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
