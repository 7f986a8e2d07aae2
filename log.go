package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(level zerolog.Level, format string, w io.Writer) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
