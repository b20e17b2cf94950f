// Package logger provides a thin wrapper around log/slog used uniformly by
// every actor in the node: epoch manager, round manager, buffer manager and
// phases, and every quorum-store actor.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// LevelTrace is finer-grained than slog.LevelDebug, used for per-message
// receive/dispatch logging that would otherwise drown out Debug output.
const LevelTrace = slog.Level(-8)

// New returns a logger writing JSON records to os.Stderr at the given level.
func New(level slog.Leveler) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Nop returns a logger that discards all output, for tests that don't care.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Error formats err as a slog attribute.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Epoch formats an epoch number as a slog attribute.
func Epoch(epoch uint64) slog.Attr {
	return slog.Uint64("epoch", epoch)
}

// Round formats a round number as a slog attribute.
func Round(round uint64) slog.Attr {
	return slog.Uint64("round", round)
}

// Author formats a validator author identifier as a slog attribute.
func Author(author string) slog.Attr {
	return slog.String("author", author)
}

// Data formats an arbitrary value for structured logging via fmt.Sprintf,
// for dumping message payloads.
func Data(v any) slog.Attr {
	return slog.String("data", fmt.Sprintf("%+v", v))
}

// Shard tags a log line with a partition id; this module has no sharded
// storage of its own, so it degrades to a plain partition-id tag.
func Shard(partition uint32) slog.Attr {
	return slog.Uint64("partition", uint64(partition))
}

// ctxKey is unexported so context values can't collide across packages.
type ctxKey struct{}

// IntoContext stashes a logger in ctx for handlers that only receive a
// context.Context (e.g. network callbacks).
func IntoContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext retrieves a logger stashed by IntoContext, or Nop if none.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return Nop()
}
