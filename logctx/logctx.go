// Package logctx threads a zap.Logger through a context.Context, the
// pattern used for every log line emitted by the control loop and its
// sessions, so a log line can always be attributed to the session
// and/or move it concerns without every function signature growing a
// logger parameter.
package logctx

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// New builds the base logger for the host process: zap's
// JSON-structured production config unchanged, except that verbose
// lowers the level to debug.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// With returns a context carrying logger, retrievable with From.
func With(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger stored in ctx, or zap.NewNop() if none was
// attached — callers never need a nil check.
func From(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// Session returns a child logger tagged with the session name, for
// every log line a session's goroutines emit.
func Session(ctx context.Context, name string) *zap.Logger {
	return From(ctx).With(zap.String("session", name))
}
