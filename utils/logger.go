package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is what every component logs through. The *Ctx variants append
// the args attached to ctx by WithDefaultArgs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[liveobjects] "

type ctxArgsKey struct{}

// WithDefaultArgs returns a copy of ctx whose log calls also carry args,
// after any attached further up.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	prev := ctxArgs(ctx)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	return context.WithValue(ctx, ctxArgsKey{}, append(merged, args...))
}

func ctxArgs(ctx context.Context) []any {
	args, _ := ctx.Value(ctxArgsKey{}).([]any)
	return args
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// NewLogger wraps an existing slog logger, e.g. one writing to a test buffer.
func NewLogger(logger *slog.Logger) *DefaultLogger {
	return &DefaultLogger{logger: logger}
}

// ParseLevel accepts debug, info, warn and error; anything else is info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (d *DefaultLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if !d.logger.Enabled(ctx, level) {
		return
	}
	if extra := ctxArgs(ctx); len(extra) > 0 {
		args = append(args[:len(args):len(args)], extra...)
	}
	d.logger.Log(ctx, level, prefix+msg, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.log(context.Background(), slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.log(context.Background(), slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.log(context.Background(), slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.log(context.Background(), slog.LevelError, msg, args)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelError, msg, args)
}
