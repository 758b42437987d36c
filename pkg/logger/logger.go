// Package logger provides structured logging for heartline.
//
// Loggers wrap log/slog. The *Context methods add the trace and span ids of
// the active span plus any fields attached to the context with WithFields,
// so request, user and conversation ids follow a call down the stack.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levels = [...]struct {
	name string
	slog slog.Level
}{
	DebugLevel: {"debug", slog.LevelDebug},
	InfoLevel:  {"info", slog.LevelInfo},
	WarnLevel:  {"warn", slog.LevelWarn},
	ErrorLevel: {"error", slog.LevelError},
}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "unknown"
	}
	return levels[l].name
}

// ParseLevel maps a config level name onto a Level. "warning" is accepted
// for warn; anything unknown is info.
func ParseLevel(s string) Level {
	if s == "warning" {
		return WarnLevel
	}
	for l, lv := range levels {
		if lv.name == s {
			return Level(l)
		}
	}
	return InfoLevel
}

func (l Level) slog() slog.Level {
	if l < DebugLevel || l > ErrorLevel {
		return slog.LevelInfo
	}
	return levels[l].slog
}

// Config selects the level, encoding ("json" or "text") and destination
// ("stdout", "stderr" or a file path) of a Logger.
type Config struct {
	Level  Level
	Format string
	Output string
}

// Logger is the structured logger passed to every heartline component.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if the logger owns one.
	Close() error
}

// SlogLogger implements Logger on log/slog.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

type nopLogger struct{}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) DebugContext(context.Context, string, ...any) {}
func (nopLogger) InfoContext(context.Context, string, ...any) {}
func (nopLogger) WarnContext(context.Context, string, ...any) {}
func (nopLogger) ErrorContext(context.Context, string, ...any) {}
func (n nopLogger) With(...any) Logger { return n }
func (n nopLogger) WithContext(ctx context.Context) context.Context { return ctx }
func (nopLogger) SetLevel(Level) {}
func (nopLogger) GetLevel() Level { return ErrorLevel }
func (nopLogger) Close() error { return nil }

// New creates a Logger. A nil cfg logs JSON at info level to stdout.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}

	writer, closer := getWriter(cfg.Output)
	return newLogger(cfg, writer, closer)
}

func newLogger(cfg *Config, w io.Writer, closer io.Closer) *SlogLogger {
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level.slog())
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &SlogLogger{
		logger: slog.New(contextHandler{next: handler}),
		level:  levelVar,
		closer: closer,
	}
}

// getWriter opens output. Unwritable paths fall back to stdout; the closer
// is nil unless a file was opened.
func getWriter(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args) }
func (l *SlogLogger) Info(msg string, args ...any) { l.log(context.Background(), slog.LevelInfo, msg, args) }
func (l *SlogLogger) Warn(msg string, args ...any) { l.log(context.Background(), slog.LevelWarn, msg, args) }
func (l *SlogLogger) Error(msg string, args ...any) { l.log(context.Background(), slog.LevelError, msg, args) }

func (l *SlogLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args)
}

func (l *SlogLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args)
}

func (l *SlogLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args)
}

func (l *SlogLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args)
}

// log emits a record whose source is the caller of the exported method
// rather than this file.
func (l *SlogLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

// With returns a derived Logger carrying args. It shares the level but
// does not own the output.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...), level: l.level}
}

// WithContext returns ctx carrying l for FromContext.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, Logger(l))
}

// SetLevel changes the level of l and every logger derived from it.
func (l *SlogLogger) SetLevel(level Level) {
	l.level.Set(level.slog())
}

// GetLevel returns the current level.
func (l *SlogLogger) GetLevel() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Close flushes and closes the output file, if any.
func (l *SlogLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type loggerKey struct{}

// Named returns l scoped to a component, or a no-op logger when l is nil.
func Named(l Logger, component string) Logger {
	if l == nil {
		return Nop()
	}
	return l.With("component", component)
}

// FromContext returns the Logger stored by WithContext, or the global one.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Global()
}

type holder struct{ l Logger }

var global atomic.Pointer[holder]

func init() {
	SetGlobal(New(&Config{Level: InfoLevel, Format: "text", Output: "stdout"}))
}

// Global returns the process-wide logger.
func Global() Logger {
	return global.Load().l
}

// SetGlobal replaces the process-wide logger. A nil l installs Nop.
func SetGlobal(l Logger) {
	if l == nil {
		l = Nop()
	}
	global.Store(&holder{l: l})
}
