package processes

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of supervisor errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeSpawn means the backend executable could not be located or started
	ErrorTypeSpawn
	// ErrorTypeHealthTimeout means every health probe attempt failed
	ErrorTypeHealthTimeout
	// ErrorTypeNotStarted means no backend has been launched yet
	ErrorTypeNotStarted
	// ErrorTypeCrash means the backend terminated unexpectedly
	ErrorTypeCrash
)

// String returns a string representation of the ErrorType.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSpawn:
		return "spawn"
	case ErrorTypeHealthTimeout:
		return "health_timeout"
	case ErrorTypeNotStarted:
		return "not_started"
	case ErrorTypeCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Error represents a structured supervisor error with type information
type Error struct {
	Type    ErrorType
	Message string
	// Attempts is the number of health probe attempts made. Only set for ErrorTypeHealthTimeout.
	Attempts int
	Cause    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// NewSpawnError creates an error for a backend that could not be started
func NewSpawnError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeSpawn, Message: message, Cause: cause}
}

// NewHealthTimeoutError creates an error for a health probe that exhausted its attempts
func NewHealthTimeoutError(attempts int) *Error {
	return &Error{
		Type:     ErrorTypeHealthTimeout,
		Message:  fmt.Sprintf("backend did not become healthy after %d attempts", attempts),
		Attempts: attempts,
	}
}

// ErrNotStarted is returned by Bootstrap when no backend was ever launched.
var ErrNotStarted = &Error{Type: ErrorTypeNotStarted, Message: "backend not started"}

func hasType(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsType(errorType)
	}
	return false
}

// IsSpawnError reports whether err (or anything it wraps) is a spawn failure.
func IsSpawnError(err error) bool {
	return hasType(err, ErrorTypeSpawn)
}

// IsHealthTimeout reports whether err (or anything it wraps) is an exhausted health probe.
func IsHealthTimeout(err error) bool {
	return hasType(err, ErrorTypeHealthTimeout)
}

// IsNotStarted reports whether err means no backend was ever launched.
func IsNotStarted(err error) bool {
	return hasType(err, ErrorTypeNotStarted)
}
