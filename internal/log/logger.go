package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	logger *slog.Logger
)

// Setup initializes the global logger writing JSON to stderr.
// Stdout is reserved for the protocol stream and must never carry log lines.
func Setup(level string) {
	SetupWriter(level, "json", os.Stderr)
}

// SetupWriter initializes the global logger once with the given level, format
// ("json" or "text") and destination. Later calls are no-ops.
func SetupWriter(level, format string, w io.Writer) {
	once.Do(func() {
		set(New(level, format, w))
	})
}

// New builds a standalone logger without touching the global one.
// An invalid level falls back to INFO; an unknown format falls back to JSON.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a case-insensitive level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func set(l *slog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Setup("INFO")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithWorker returns a logger with the worker_id field set.
func WithWorker(id string) *slog.Logger {
	return Get().With(slog.String("worker_id", id))
}

// WithWork returns a logger with the work_id field set.
func WithWork(id string) *slog.Logger {
	return Get().With(slog.String("work_id", id))
}

// WithCapability returns a logger with the capability field set.
func WithCapability(name string) *slog.Logger {
	return Get().With(slog.String("capability", name))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
