package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All components use these constants instead of
// hardcoded strings so the ops API and logs stay consistent.
const (
	// Validation (400)
	ErrCodeValidationInvalidDates     ErrorCode = "validation_invalid_dates"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidLifecycle ErrorCode = "validation_invalid_lifecycle"

	// Not Found (404)
	ErrCodeNotFoundExercise      ErrorCode = "not_found_exercise"
	ErrCodeNotFoundParticipation ErrorCode = "not_found_participation"
	ErrCodeNotFoundExam          ErrorCode = "not_found_exam"
	ErrCodeNotFoundStudentExam   ErrorCode = "not_found_student_exam"

	// Conflict (409)
	ErrCodeConflictAlreadyLocked ErrorCode = "conflict_already_locked"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalEngineFull  ErrorCode = "internal_task_engine_saturated"
	ErrCodeUpstreamVCS         ErrorCode = "upstream_vcs_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Batch operations
	ErrCodeBulkPartialFailure ErrorCode = "bulk_partial_failure"
	ErrCodeBulkTimeout        ErrorCode = "bulk_operation_timeout"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code for the
// ops API. Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain errors are
// expressed as AppError to enable consistent formatting, status mapping, and
// error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
