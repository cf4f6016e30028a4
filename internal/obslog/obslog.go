// Package obslog provides the structured logger used across the engine for
// wave-scheduling and exception-cache diagnostics, the same log/slog idiom
// the rest of the corpus uses for service logging, fanned out through
// github.com/samber/slog-multi so callers can attach additional sinks
// (a file, a test-capturing handler, a remote collector) without the engine
// caring which.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"

	"github.com/xyproto/patternsleuth/internal/envcfg"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
	sinks  []slog.Handler
)

func init() {
	level := slog.LevelInfo
	if envcfg.Debug() {
		level = slog.LevelDebug
	}
	sinks = []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	rebuild()
}

func rebuild() {
	logger = slog.New(slogmulti.Fanout(sinks...))
}

// AddSink registers an additional slog.Handler that every subsequent log
// call is also delivered to; useful for tests that want to assert on
// emitted records.
func AddSink(h slog.Handler) {
	mu.Lock()
	defer mu.Unlock()
	sinks = append(sinks, h)
	rebuild()
}

// Logger returns the shared engine logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Wave logs the completion of one resolver-evaluation scan wave.
func Wave(ctx context.Context, index int, patterns int, elapsedMS float64) {
	Logger().DebugContext(ctx, "scan wave complete",
		slog.Int("wave", index),
		slog.Int("patterns", patterns),
		slog.Float64("elapsed_ms", elapsedMS),
	)
}

// Resolver logs the completion of one named resolver's body.
func Resolver(ctx context.Context, name string, ok bool, elapsedMS float64) {
	Logger().DebugContext(ctx, "resolver evaluated",
		slog.String("resolver", name),
		slog.Bool("ok", ok),
		slog.Float64("elapsed_ms", elapsedMS),
	)
}

// ExceptionCache logs the size of a populated PE exception-directory cache.
func ExceptionCache(ctx context.Context, entries int) {
	Logger().DebugContext(ctx, "exception cache populated",
		slog.Int("entries", entries),
	)
}
