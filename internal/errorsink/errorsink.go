// Package errorsink records diagnostic messages and keeps the durable error
// file that the controlling application reads after a failed start.
package errorsink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// MessageWriter receives live diagnostic messages.
type MessageWriter interface {
	WriteMessage(text string)
}

// FatalError is returned by RecordFatal. Its message becomes the stop reason
// of the lifecycle attempt that produced it.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return e.Message
}

// Sink forwards messages to the attached command channel and mirrors errors
// to a single-slot durable file.
type Sink struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	writer  MessageWriter
	last    string
	latched bool
	onFatal func(*FatalError)
}

// New creates a Sink that persists errors to path. logger receives messages
// while no channel is attached.
func New(path string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{path: path, logger: logger}
}

// Path returns the durable error file path.
func (s *Sink) Path() string {
	return s.path
}

// Attach routes live messages to w until Detach.
func (s *Sink) Attach(w MessageWriter) {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
}

// Detach stops routing live messages to the command channel.
func (s *Sink) Detach() {
	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()
}

// OnFatal registers fn to run after every RecordFatal.
func (s *Sink) OnFatal(fn func(*FatalError)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// RecordInfo forwards message to the attached channel or the fallback logger.
func (s *Sink) RecordInfo(message string) {
	s.mu.Lock()
	w := s.writer
	s.last = message
	s.mu.Unlock()

	if w != nil {
		w.WriteMessage(message)
		return
	}
	s.logger.Info(message)
}

// RecordError records message and overwrites the durable file with it.
// Once a fatal error is latched the file is left alone until Clear.
func (s *Sink) RecordError(message string) {
	s.RecordInfo(message)

	s.mu.Lock()
	latched := s.latched
	s.mu.Unlock()
	if latched {
		return
	}
	s.persist(message)
}

// RecordFatal records message like RecordError, latches the durable file so
// later errors cannot overwrite it, and runs the fatal hook.
func (s *Sink) RecordFatal(message string) *FatalError {
	s.RecordInfo(message)

	s.mu.Lock()
	first := !s.latched
	s.latched = true
	hook := s.onFatal
	s.mu.Unlock()

	if first {
		s.persist(message)
	}

	fatal := &FatalError{Message: message}
	if hook != nil {
		hook(fatal)
	}
	return fatal
}

// persist never fails: a broken durable slot must not trigger further error handling.
func (s *Sink) persist(message string) {
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.logger.Warn("failed to create error file directory", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, []byte(message), 0644); err != nil {
		s.logger.Warn("failed to write error file", "path", s.path, "error", err)
	}
}

// Clear removes the durable file and releases the fatal latch.
func (s *Sink) Clear() error {
	s.mu.Lock()
	s.latched = false
	s.last = ""
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove error file: %w", err)
	}
	return nil
}

// LastMessage returns the most recent message recorded in memory.
func (s *Sink) LastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Latched reports whether a fatal error has been recorded since the last Clear.
func (s *Sink) Latched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latched
}

// Durable returns the content of the durable error file. ok is false when
// no error is recorded.
func (s *Sink) Durable() (message string, ok bool, err error) {
	if s.path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read error file: %w", err)
	}
	return string(data), true, nil
}
