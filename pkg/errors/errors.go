package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidWindow ErrorCode = "INVALID_WINDOW"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"

	// Scheduling errors (time-window violations; user-recoverable)
	ErrCodeMeetingNotStarted ErrorCode = "MEETING_NOT_STARTED"
	ErrCodeMeetingEnded      ErrorCode = "MEETING_ENDED"

	// Not found errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Credential issuance errors
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// Client-side transport errors
	ErrCodeTransportJoin    ErrorCode = "TRANSPORT_JOIN_FAILURE"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeRenewalFailure   ErrorCode = "RENEWAL_FAILURE"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// InvalidWindowError rejects a session window whose end is not after its start
// or whose bounds are not finite epoch milliseconds
func InvalidWindowError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidWindow, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Scheduling errors
//
// The UI renders distinct messages for these two, so the codes must stay
// distinguishable all the way to the response envelope.
func MeetingNotStartedError() *AppError {
	return NewWithStatus(ErrCodeMeetingNotStarted, "Meeting has not started yet", http.StatusForbidden)
}

func MeetingEndedError() *AppError {
	return NewWithStatus(ErrCodeMeetingEnded, "Meeting has ended", http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// SessionNotFoundError is returned from credential issuance for a stale or
// incorrect session identifier. Treated as a caller input error, hence 400
// rather than 404.
func SessionNotFoundError() *AppError {
	return NewWithStatus(ErrCodeSessionNotFound, "Session not found", http.StatusBadRequest)
}

// ConfigError indicates the signing secret pair is missing. Fatal: credential
// issuance must abort rather than return a forged or empty token.
func ConfigError(message string) *AppError {
	return NewWithStatus(ErrCodeConfig, message, http.StatusInternalServerError)
}

// Client-side transport errors
func TransportJoinError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeTransportJoin, message, http.StatusBadGateway, err)
}

func PermissionDeniedError(message string) *AppError {
	return NewWithStatus(ErrCodePermissionDenied, message, http.StatusForbidden)
}

// RenewalFailureError is recoverable: the connection stays joined and the
// next renewal attempt retries on its own schedule.
func RenewalFailureError(err error) *AppError {
	return WrapWithStatus(ErrCodeRenewalFailure, "Credential renewal failed", http.StatusBadGateway, err)
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the ErrorCode of err, or ErrCodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
