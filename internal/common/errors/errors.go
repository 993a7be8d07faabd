// Package errors provides custom error types for the codeswarm orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"

	// Job-domain codes, matching the orchestrator's failure taxonomy.
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeWorkspace       = "WORKSPACE_ERROR"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeLaunchTransient = "LAUNCH_TRANSIENT"
	ErrCodeLaunchPermanent = "LAUNCH_PERMANENT"
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

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
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

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Configuration creates a fatal job-creation error: missing credential,
// empty objective, unknown agent kind.
func Configuration(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfiguration,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Workspace creates a workspace materialization error.
func Workspace(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspace,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// QuotaExceeded creates a non-retryable workspace quota error.
func QuotaExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeQuotaExceeded,
		Message:    message,
		HTTPStatus: http.StatusInsufficientStorage,
	}
}

// TransientLaunch creates a retryable process launch error.
func TransientLaunch(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunchTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// PermanentLaunch creates a non-retryable process launch error, such as
// command not found or permission denied.
func PermanentLaunch(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunchPermanent,
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

	// If the error is already an AppError, preserve its code and status
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

// Code returns the machine code of an error, or ErrCodeInternalError for
// errors that are not AppErrors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsConfiguration checks if the error is a fatal job-creation error.
func IsConfiguration(err error) bool {
	return Code(err) == ErrCodeConfiguration
}

// IsQuotaExceeded checks if the error is a workspace quota error.
func IsQuotaExceeded(err error) bool {
	return Code(err) == ErrCodeQuotaExceeded
}

// IsTransientLaunch checks if the error is a retryable launch error.
func IsTransientLaunch(err error) bool {
	return Code(err) == ErrCodeLaunchTransient
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
