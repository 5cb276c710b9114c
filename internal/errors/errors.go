// Package errors provides the error taxonomy shared by the capture and sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies an error category. Codes are stable strings so the
// host application can map them to user-facing messages.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrConfig   ErrorCode = "CONFIG_ERROR"

	// Queue store errors
	ErrStorage           ErrorCode = "STORAGE_ERROR"
	ErrDuplicate         ErrorCode = "DUPLICATE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrMigration         ErrorCode = "MIGRATION_FAILED"

	// Delivery errors
	ErrNetwork      ErrorCode = "NETWORK_ERROR"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrSyncConflict ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout  ErrorCode = "SYNC_TIMEOUT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrSyncBusy     ErrorCode = "SYNC_BUSY"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal when err carries no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Storage wraps a persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// IsStorage reports whether err is a local persistence failure.
func IsStorage(err error) bool {
	return Is(err, ErrStorage)
}
