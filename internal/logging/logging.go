// Package logging wires structured, leveled logging for the server
// processes. Adapted from cuemby-warren's pkg/log: one package-level
// zerolog.Logger plus field-scoped child loggers, generalized from that
// repo's node/service/task fields to this domain's deployment-key and
// request identifiers.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it at startup; tests
// may swap it for a buffer-backed logger.
var Logger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level names accepted by Init's Config.Level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the process-wide logger from cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithDeploymentKeyHash returns a child logger scoped to one deployment,
// identified by the hash used everywhere outside the metadata store so
// raw deployment keys never end up in logs.
func WithDeploymentKeyHash(keyHash string) zerolog.Logger {
	return Logger.With().Str("deployment_key_hash", keyHash).Logger()
}

// WithRequestID returns a child logger scoped to one inbound HTTP request.
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithApp returns a child logger scoped to one app.
func WithApp(appID string) zerolog.Logger {
	return Logger.With().Str("app_id", appID).Logger()
}

type ctxKey struct{}

// Into attaches logger to ctx so downstream gateway calls can log with
// the caller's request-scoped fields without threading a logger parameter
// through every function signature.
func Into(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger attached to ctx, or the package logger if none
// was attached.
func From(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return Logger
}
