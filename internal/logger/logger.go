// Package logger provides structured logging for padsync
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New creates the root logger and installs it as the zerolog global
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "padsync")
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}

	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// Component returns a sub-logger tagged with a component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// LogServerStart logs server startup
func LogServerStart(l zerolog.Logger, addr, driver string) {
	l.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Str("storage", driver).
		Msg("padsync server starting")
}

// LogServerShutdown logs server shutdown
func LogServerShutdown(l zerolog.Logger) {
	l.Info().
		Str("event", "server_shutdown").
		Msg("padsync server shutting down")
}
