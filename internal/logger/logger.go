// Package logger builds the zerolog.Logger used across the broker. It is
// constructed once at startup and threaded through as a value; nothing here
// touches the global zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls level and formatting.
type Config struct {
	Level  string
	Pretty bool
}

// New builds a zerolog.Logger from cfg.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output = os.Stderr
	if cfg.Pretty {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		return zerolog.New(w).With().Timestamp().Caller().Logger()
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}
