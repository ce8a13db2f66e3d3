// Package util provides common utilities for the Bifrost extension.
package util

import (
	"errors"
	"fmt"
)

// Common error types for the extension.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrConfigInvalid   = errors.New("invalid configuration")
	ErrConfigRead      = errors.New("configuration read failed")
	ErrEngineStart     = errors.New("engine start failed")
	ErrEngineClose     = errors.New("engine close failed")
	ErrChannelStart    = errors.New("command channel start failed")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNotRunning      = errors.New("not running")
)

// Kind classifies an error by the layer that produced it.
type Kind string

const (
	// KindSetup covers directory and runtime initialization. Always fatal.
	KindSetup Kind = "setup"
	// KindConfig covers profile lookup, read and engine rejection of the text.
	KindConfig Kind = "config"
	// KindEngine covers start and close failures of the tunnel engine.
	KindEngine Kind = "engine"
	// KindChannel covers command channel start and close failures.
	KindChannel Kind = "channel"
)

// Error wraps an error with the kind and operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// KindOf returns the kind of the first Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new MultiError.
func NewMultiError() *MultiError {
	return &MultiError{}
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if there are no errors, or the MultiError itself.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return ""
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(m.Errors), m.Errors)
}

// Unwrap returns the underlying errors for errors.Is/As support.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
