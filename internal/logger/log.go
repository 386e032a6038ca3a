package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

type Logger interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string, err error)
	Debug(msg string)
	With(key string, value any) Logger
}

type Options struct {
	Level  string
	Format string
	Output io.Writer
}

type NextupLogger struct {
	logger *slog.Logger
}

func New(loggerName string) Logger {
	return NewWithOptions(loggerName, Options{Level: "debug"})
}

func NewWithOptions(loggerName string, opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: true,
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	attrs := []slog.Attr{slog.String("logger", loggerName)}
	h := handler.WithAttrs(attrs)
	return NextupLogger{slog.New(h)}
}

// Nop discards everything. Used by tests.
func Nop() Logger {
	return NextupLogger{slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func (nl NextupLogger) Info(msg string) {
	nl.log(slog.LevelInfo, msg)
}

func (nl NextupLogger) Warn(msg string) {
	nl.log(slog.LevelWarn, msg)
}

func (nl NextupLogger) Error(msg string, err error) {
	if err != nil {
		nl.log(slog.LevelError, msg, slog.String("error", err.Error()))
		return
	}
	nl.log(slog.LevelError, msg)
}

func (nl NextupLogger) Debug(msg string) {
	nl.log(slog.LevelDebug, msg)
}

// log records the PC of whoever called Info/Warn/Error/Debug so that the
// source attribute names the call site, not this file.
func (nl NextupLogger) log(level slog.Level, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	handler := nl.logger.Handler()
	if !handler.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip runtime.Callers, log, and the exported method
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = handler.Handle(ctx, r)
}

func (nl NextupLogger) With(key string, value any) Logger {
	return NextupLogger{nl.logger.With(key, value)}
}
