package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidHours  ErrorCode = "validation_invalid_business_hours"
	ErrCodeValidationInvalidStep   ErrorCode = "validation_invalid_step_order"
	ErrCodeValidationInvalidDelay  ErrorCode = "validation_invalid_delay_minutes"
	ErrCodeValidationInvalidTicket ErrorCode = "validation_invalid_ticket_id"

	// Follow-up configuration (422) — enable() fails fast on these; they are
	// caller errors about org setup, not transient failures, and are never
	// retried.
	ErrCodeFollowUpConfigMissing  ErrorCode = "followup_config_missing"
	ErrCodeFollowUpConfigInactive ErrorCode = "followup_config_inactive"
	ErrCodeFollowUpConfigNoSteps  ErrorCode = "followup_config_no_steps"

	// Conflict (409) — soft, informational outcomes. Callers must treat these
	// as "nothing to do", not as failures.
	ErrCodeConflictAlreadyEnabled  ErrorCode = "conflict_followup_already_enabled"
	ErrCodeConflictAlreadyDisabled ErrorCode = "conflict_followup_already_disabled"
	ErrCodeConflictNoPendingStep   ErrorCode = "conflict_no_pending_step"
	ErrCodeConflictPendingExists   ErrorCode = "conflict_pending_message_exists"

	// Not Found (404)
	ErrCodeNotFoundTicket           ErrorCode = "not_found_ticket"
	ErrCodeNotFoundScheduledMessage ErrorCode = "not_found_scheduled_message"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamWhatsApp   ErrorCode = "upstream_whatsapp_unavailable"
	ErrCodeUpstreamQueue      ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "followup_config_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsConflict reports whether the code represents a soft conflict outcome.
// Conflicts are informational: the requested state already holds (or there is
// nothing to act on), so callers log and move on instead of retrying.
func (c ErrorCode) IsConflict() bool {
	return strings.HasPrefix(string(c), "conflict_")
}

// AppError is the standard application error type used throughout the platform.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
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

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
