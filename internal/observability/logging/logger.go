// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithConnection returns a logger with connection context.
func WithConnection(connectionId string) zerolog.Logger {
	return log.With().
		Str("connectionId", connectionId).
		Logger()
}

// WithStream returns a logger with stream context.
func WithStream(connectionId, sessionGroupKey, provider string) zerolog.Logger {
	return log.With().
		Str("connectionId", connectionId).
		Str("sessionGroupKey", sessionGroupKey).
		Str("sttProvider", provider).
		Logger()
}

// WithSegment returns a logger with segment context.
func WithSegment(connectionId, sessionGroupKey, segmentId string) zerolog.Logger {
	return log.With().
		Str("connectionId", connectionId).
		Str("sessionGroupKey", sessionGroupKey).
		Str("segmentId", segmentId).
		Logger()
}
