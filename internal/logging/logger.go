// Package logging wraps log/slog with the JSON handler and the few
// context helpers the chase engine uses (case, cycle, category).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is a structured logger safe for concurrent use. A nil *Logger
// discards everything, so components can hold one unconditionally.
type Logger struct {
	logger *slog.Logger
	closer io.Closer
	mu     *sync.Mutex
}

// New writes JSON logs to path, or to stderr when path is empty.
func New(path, level string) (*Logger, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	return NewWithWriter(w, level, closer), nil
}

// NewWithWriter builds a Logger over an arbitrary writer.
func NewWithWriter(w io.Writer, level string, closer io.Closer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{logger: slog.New(h), closer: closer, mu: &sync.Mutex{}}
}

// Nop returns a logger that drops every record.
func Nop() *Logger {
	return NewWithWriter(io.Discard, LevelError, nil)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying the given key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), closer: l.closer, mu: l.mu}
}

func (l *Logger) WithCase(caseID string) *Logger {
	return l.With("case_id", caseID)
}

func (l *Logger) WithCycle(cycleID string) *Logger {
	return l.With("cycle_id", cycleID)
}

func (l *Logger) WithCategory(category string) *Logger {
	return l.With("category", category)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	l.logger.Log(context.Background(), level, msg, args...)
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return l.logger
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.closer = nil
	return err
}
