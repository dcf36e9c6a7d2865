package batchcopy

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "batchcopy").
		Logger()
}

// Logger returns the package logger, used by handlers created without WithLogger.
func Logger() zerolog.Logger {
	return logger
}
