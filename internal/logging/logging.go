// Package logging provides structured logging for the Bifrost extension.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config holds logging configuration.
type Config struct {
	Level     string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format    string `yaml:"format" json:"format"` // json, text
	Output    string `yaml:"output" json:"output"` // stdout, stderr, or file path
	AddSource bool   `yaml:"add_source,omitempty" json:"add_source,omitempty"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar)
	logger  = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logFile *os.File
)

// Setup replaces the default logger. A previously opened log file is
// closed once the new handler is installed.
func Setup(cfg Config) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	out, f, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "text", "":
		h = slog.NewTextHandler(out, opts)
	default:
		if f != nil {
			f.Close()
		}
		return fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	mu.Lock()
	prev := logFile
	logFile = f
	logger = slog.New(h)
	level.Set(lvl)
	slog.SetDefault(logger)
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close closes the log file opened by Setup, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// SetWriter routes the default logger to w at lvl. Embedders use it to
// capture log output themselves.
func SetWriter(w io.Writer, lvl slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level.Set(lvl)
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLevel changes the level of the installed handler in place.
func SetLevel(lvl slog.Level) {
	level.Set(lvl)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

func openOutput(output string) (io.Writer, *os.File, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// Default returns the default logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent returns a logger tagged with component.
func WithComponent(component string) *slog.Logger {
	return Default().With("component", component)
}

// Info logs on the default logger.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}
