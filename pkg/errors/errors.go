// Package errors defines custom error types for PulseTree
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// NotFoundError indicates an instance id that was never allocated or has been retired
	NotFoundError ErrorType = "not_found"
	// StaleSessionError indicates a cursor or session id from a different session
	StaleSessionError ErrorType = "stale_session"
	// BadRequestError indicates a malformed protocol request
	BadRequestError ErrorType = "bad_request"
	// InternalError indicates a broken invariant inside the engine
	InternalError ErrorType = "internal"
	// FileSystemError indicates file system related issues
	FileSystemError ErrorType = "filesystem"
	// ConfigError indicates configuration issues
	ConfigError ErrorType = "config"
	// ProjectError indicates a malformed or unreadable project manifest
	ProjectError ErrorType = "project"
	// ValidationError indicates input validation issues
	ValidationError ErrorType = "validation"
)

// ErrNotFound is returned by fetchers when a path does not exist.
var ErrNotFound = stderrors.New("path not found")

// PulseError is the base error type for all PulseTree errors
type PulseError struct {
	Type       ErrorType
	Message    string
	Err        error
	Retryable  bool
	StatusCode int
	Context    map[string]interface{}
}

// Error implements the error interface
func (e *PulseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *PulseError) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether the error is retryable
func (e *PulseError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds context to the error
func (e *PulseError) WithContext(key string, value interface{}) *PulseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new PulseError
func New(errType ErrorType, message string, err error) *PulseError {
	return &PulseError{
		Type:       errType,
		Message:    message,
		Err:        err,
		Retryable:  false,
		StatusCode: statusFor(errType),
	}
}

// NewRetryable creates a new retryable PulseError
func NewRetryable(errType ErrorType, message string, err error) *PulseError {
	e := New(errType, message, err)
	e.Retryable = true
	return e
}

func statusFor(errType ErrorType) int {
	switch errType {
	case NotFoundError:
		return http.StatusNotFound
	case StaleSessionError:
		return http.StatusConflict
	case BadRequestError, ValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the ErrorType of err, or InternalError when err is not a PulseError.
func TypeOf(err error) ErrorType {
	var pe *PulseError
	if stderrors.As(err, &pe) {
		return pe.Type
	}
	return InternalError
}

func isType(err error, errType ErrorType) bool {
	var pe *PulseError
	if stderrors.As(err, &pe) {
		return pe.Type == errType
	}
	return false
}

// IsNotFoundError checks if the error indicates an unknown instance
func IsNotFoundError(err error) bool {
	return isType(err, NotFoundError)
}

// IsStaleSessionError checks if the error indicates a foreign or outdated cursor
func IsStaleSessionError(err error) bool {
	return isType(err, StaleSessionError)
}

// IsBadRequestError checks if the error is a malformed request error
func IsBadRequestError(err error) bool {
	return isType(err, BadRequestError)
}

// IsInternalError checks if the error is an invariant violation
func IsInternalError(err error) bool {
	return isType(err, InternalError)
}

// IsFileSystemError checks if the error is a file system error
func IsFileSystemError(err error) bool {
	return isType(err, FileSystemError)
}

// IsConfigError checks if the error is a configuration error
func IsConfigError(err error) bool {
	return isType(err, ConfigError)
}

// IsProjectError checks if the error is a project manifest error
func IsProjectError(err error) bool {
	return isType(err, ProjectError)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return isType(err, ValidationError)
}

// Constructor functions for each error type

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, err error) *PulseError {
	return New(NotFoundError, message, err)
}

// NewStaleSessionError creates a new stale session error
func NewStaleSessionError(message string, err error) *PulseError {
	return New(StaleSessionError, message, err)
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, err error) *PulseError {
	return New(BadRequestError, message, err)
}

// NewInternalError creates a new internal invariant error
func NewInternalError(message string, err error) *PulseError {
	return New(InternalError, message, err)
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, err error) *PulseError {
	return NewRetryable(FileSystemError, message, err)
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, err error) *PulseError {
	return New(ConfigError, message, err)
}

// NewProjectError creates a new project manifest error
func NewProjectError(message string, err error) *PulseError {
	return New(ProjectError, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *PulseError {
	return New(ValidationError, message, err)
}

// NewDatabaseError creates a new database error (using FileSystemError type)
func NewDatabaseError(message string, err error) *PulseError {
	return New(FileSystemError, message, err)
}
