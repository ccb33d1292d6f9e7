package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is a minimal interface wrapper allowing predictor-scoped attribute
// injection without threading *slog.Logger through every constructor.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type taggedLogger struct{ base *slog.Logger }

// New returns a Logger wrapper over base (slog.Default when nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &taggedLogger{base: base}
}

// NewText builds a text-handler logger at the given level and installs it as
// the process default.
func NewText(level slog.Level) Logger {
	base := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(base)
	return &taggedLogger{base: base}
}

// ParseLevel maps LOGGING_LEVEL values onto slog levels. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *taggedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, attrs...)
}

func (l *taggedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, attrs...)
}

func (l *taggedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, attrs...)
}

func (l *taggedLogger) With(attrs ...any) Logger {
	return &taggedLogger{base: l.base.With(attrs...)}
}
