// Package errors defines coded application errors shared by the data layer,
// the HTTP API and the admin CLI.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a row was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a unique constraint violation.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates a check or NOT NULL violation.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeForeignKey indicates a reference to a missing order, user or provider.
	ErrCodeForeignKey ErrorCode = "foreign_key"
	// ErrCodeUnavailable indicates the database could not be reached.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeTimeout indicates the operation ran out of time.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the caller went away.
	ErrCodeCanceled ErrorCode = "canceled"
	// ErrCodeInternal indicates anything else.
	ErrCodeInternal ErrorCode = "internal"
)

// AppError is a coded error with a caller-safe message. The cause stays
// reachable through errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field names the offending column when the database reported one.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Wrap attaches a code and message to err. It returns nil for a nil err.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound reports a NotFound error anywhere in the chain.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict reports a Conflict error anywhere in the chain.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation reports a Validation error anywhere in the chain.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsUnavailable reports an Unavailable error anywhere in the chain.
func IsUnavailable(err error) bool { return isCode(err, ErrCodeUnavailable) }

// IsTimeout reports a Timeout error anywhere in the chain.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// GetCode returns the outermost AppError code, or "" for other errors.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the offending column, if any.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}

// HTTPStatus maps a code to a response status. Unknown codes are 500.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeValidation, ErrCodeForeignKey:
		return http.StatusBadRequest
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeCanceled:
		// nginx's "client closed request".
		return 499
	default:
		return http.StatusInternalServerError
	}
}
