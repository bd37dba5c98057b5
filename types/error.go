package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Backend and pipeline error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrRateLimit      ErrorCode = "RATE_LIMIT"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrValidation     ErrorCode = "VALIDATION"
	ErrBackend        ErrorCode = "BACKEND"
	ErrToolFailure    ErrorCode = "TOOL_FAILURE"
	ErrCancelled      ErrorCode = "CANCELLED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Scheduler and persistence error codes
const (
	ErrStore          ErrorCode = "STORE"
	ErrProgram        ErrorCode = "PROGRAM"
	ErrLimitExceeded  ErrorCode = "LIMIT_EXCEEDED"
	ErrNoHandler      ErrorCode = "NO_HANDLER"
	ErrAlreadyRunning ErrorCode = "ALREADY_RUNNING"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Backend   string    `json:"backend,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithBackend sets the backend adapter name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// IsRetryable checks if an error is retryable. Rate-limit errors are
// always retryable; structured errors answer for themselves.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RateLimitError reports a request rejected or delayed by rate limiting.
// RetryAfter carries the wait the limiter suggested before the next attempt.
type RateLimitError struct {
	Limit      string        `json:"limit,omitempty"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (e *RateLimitError) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("rate limited (%s), retry after %s", e.Limit, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// NewRateLimitError creates a RateLimitError for the named limit.
func NewRateLimitError(limit string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Limit: limit, RetryAfter: retryAfter}
}

// RetryAfterOf returns the suggested wait if err is a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// ValidationError reports a backend result rejected by a validation rule.
// It is a distinct kind so callers can tell "the backend succeeded but the
// result is unacceptable" apart from "the backend failed".
type ValidationError struct {
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
