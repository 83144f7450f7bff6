// Package context carries a structured logger alongside the standard
// context.Context, so every component logs through the logger that was
// handed to it rather than a package-level singleton.
package context

import (
	"context"
	"log/slog"
	"time"
)

// Context is an alias for the standard library context.Context, re-exported
// so callers only need to import this package.
type Context = context.Context

// CancelFunc is an alias for the standard library context.CancelFunc.
type CancelFunc = context.CancelFunc

// Background, WithCancel and WithValue are re-exported for convenience so
// most files only need to import this package.
var (
	Background = context.Background
	WithCancel = context.WithCancel
	WithValue  = context.WithValue
)

// WithTimeout wraps context.WithTimeout.
func WithTimeout(parent Context, d time.Duration) (Context, CancelFunc) {
	return context.WithTimeout(parent, d)
}

type loggerKey struct{}

// WithLogger returns a new Context with the given logger attached.
func WithLogger(ctx Context, log *slog.Logger) Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// LoggerFrom returns the logger attached to ctx, or slog.Default() if none
// was attached.
func LoggerFrom(ctx Context) *slog.Logger {
	log, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	if !ok || log == nil {
		return slog.Default()
	}
	return log
}
