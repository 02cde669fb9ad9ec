// Package errors provides the error taxonomy shared by the kernel layer and
// the HTTP API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeProtocol      = "PROTOCOL_ERROR"
	ErrCodeLaunch        = "LAUNCH_ERROR"
	ErrCodeCapability    = "CAPABILITY_ERROR"
	ErrCodeConnect       = "CONNECT_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Protocol reports kernel content that violates a protocol assumption, such
// as a shell reply whose status is neither "ok" nor "error".
func Protocol(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// Launch reports that the process supervisor could not produce a running kernel.
func Launch(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunch,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Capability reports an operation this platform or session mode cannot perform.
func Capability(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCapability,
		Message:    message,
		HTTPStatus: http.StatusNotImplemented,
	}
}

// Connect reports that the kernel channels did not become ready in time.
func Connect(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConnect,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// Preserve code and status of an existing AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HTTPStatus returns the status code carried by err, or 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsProtocol checks if the error is a protocol error.
func IsProtocol(err error) bool { return hasCode(err, ErrCodeProtocol) }

// IsLaunch checks if the error is a launch error.
func IsLaunch(err error) bool { return hasCode(err, ErrCodeLaunch) }

// IsCapability checks if the error is a capability error.
func IsCapability(err error) bool { return hasCode(err, ErrCodeCapability) }

// IsConnect checks if the error is a connect error.
func IsConnect(err error) bool { return hasCode(err, ErrCodeConnect) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }
