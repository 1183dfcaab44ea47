// Package logger provides structured logging for the relay, backed by log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

// Fields is a set of key/value pairs attached to a log record.
type Fields map[string]any

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New(os.Stderr))
}

// New returns a text logger writing to w at INFO level.
func New(w io.Writer) *slog.Logger {
	return NewWithLevel(w, slog.LevelInfo)
}

// NewWithLevel returns a text logger writing to w at the given minimum level.
func NewWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	}))
}

// SetLogger replaces the package-level logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// Logger returns the package-level logger, for components that take a *slog.Logger.
func Logger() *slog.Logger {
	return current.Load()
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, 3, msg, fields)
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, 3, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, 3, msg, fields)
}

// Error logs at ERROR level with err attached under the "error" key.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	if err != nil {
		merged := make(Fields, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["error"] = err.Error()
		fields = merged
	}
	log(ctx, slog.LevelError, 3, msg, fields)
}

// LogAt logs at an explicit level, attributing the record to the caller
// skip frames above LogAt's caller.
func LogAt(level slog.Level, skip int, msg string, fields Fields) {
	log(context.Background(), level, 3+skip, msg, fields)
}

func log(ctx context.Context, level slog.Level, skip int, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := current.Load()
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])

	// Sorted keys keep output stable across runs.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}
