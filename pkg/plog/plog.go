// Package plog is the process-wide structured logger. It wraps log/slog so that
// routine output goes to stdout while warnings and errors go to stderr, which
// keeps the viewer's own stdout readable when both share a terminal.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Log levels. LevelNotice sits between Debug and Info and is used for
// per-file events (downloads, cache hits) that are too chatty for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler routes records below WARN to one handler and WARN and
// above to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	level         = new(slog.LevelVar)
	quietMode     atomic.Bool
)

// replaceLevel renders the custom notice level by name instead of "DEBUG+2".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

func init() {
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: replaceLevel,
	})
	defaultLogger.Store(slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}))
}

// SetOutput sends every level to w. Used by tests to capture output.
func SetOutput(w io.Writer) {
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})))
}

// SetLevel sets the minimum level written to stdout.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config/flag value to a level. Unknown values map to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet suppresses Info and Notice output while keeping warnings and errors.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

func IsQuiet() bool {
	return quietMode.Load()
}

func Debug(msg string, args ...any) {
	defaultLogger.Load().Debug(msg, args...)
}

// Notice logs per-item events.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
