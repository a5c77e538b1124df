// Package compose loads and validates the stack definition files of an
// application directory. This is part of the Functional Core - callers read
// the files, this package only interprets their contents.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrNoFiles    = errors.New("no stack definition files given")
	ErrEmptyInput = errors.New("stack definition file is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Stack structure errors
	ErrNoServices         = errors.New("stack must define at least one service")
	ErrServiceNoImage     = errors.New("service must have image or build")
	ErrCircularDependency = errors.New("circular dependency detected")
)

// ParseError wraps errors with context about where loading failed.
type ParseError struct {
	File    string
	Field   string // e.g., "services.web"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	prefix := e.File
	if e.Field != "" {
		if prefix != "" {
			prefix += ": "
		}
		prefix += e.Field
	}
	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(file, field, message string, err error) *ParseError {
	return &ParseError{
		File:    file,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
