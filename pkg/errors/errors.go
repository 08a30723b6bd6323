package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Media acquisition errors (terminal for the attempt, never retried)
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"

	// Signaling errors
	ErrCodeAlreadyActive   ErrorCode = "ALREADY_ACTIVE"
	ErrCodeNoSuchCall      ErrorCode = "NO_SUCH_CALL"
	ErrCodeAlreadyAnswered ErrorCode = "ALREADY_ANSWERED"

	// Peer connection errors
	ErrCodeNegotiationMismatch ErrorCode = "NEGOTIATION_MISMATCH"
	ErrCodeNoRemoteDescription ErrorCode = "NO_REMOTE_DESCRIPTION"
	ErrCodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"

	// Registry errors
	ErrCodeNoIncomingCall   ErrorCode = "NO_INCOMING_CALL"
	ErrCodeNoActiveChannel  ErrorCode = "NO_ACTIVE_CHANNEL"
	ErrCodeRegistryClosed   ErrorCode = "REGISTRY_CLOSED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeServiceUnavail   ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeSignalingBackend ErrorCode = "SIGNALING_BACKEND_ERROR"
)

// Sentinel errors for the call taxonomy. Compare with errors.Is; the match is by code,
// so wrapped or re-created AppErrors with the same code still match.
var (
	ErrPermissionDenied      = NewWithStatus(ErrCodePermissionDenied, "Media permission denied", http.StatusForbidden)
	ErrDeviceUnavailable     = NewWithStatus(ErrCodeDeviceUnavailable, "Media device unavailable", http.StatusServiceUnavailable)
	ErrAlreadyActive         = NewWithStatus(ErrCodeAlreadyActive, "A call is already active on this channel", http.StatusConflict)
	ErrNoSuchCall            = NewWithStatus(ErrCodeNoSuchCall, "No such call", http.StatusNotFound)
	ErrAlreadyAnswered       = NewWithStatus(ErrCodeAlreadyAnswered, "Call already answered", http.StatusConflict)
	ErrNegotiationMismatch   = NewWithStatus(ErrCodeNegotiationMismatch, "Remote description already applied", http.StatusInternalServerError)
	ErrNoRemoteDescription   = NewWithStatus(ErrCodeNoRemoteDescription, "No remote description yet", http.StatusConflict)
	ErrConnectionFailed      = NewWithStatus(ErrCodeConnectionFailed, "Peer connection failed", http.StatusBadGateway)
	ErrNoIncomingCall        = NewWithStatus(ErrCodeNoIncomingCall, "No incoming call to answer", http.StatusConflict)
	ErrNoActiveChannel       = NewWithStatus(ErrCodeNoActiveChannel, "No conversation channel is open", http.StatusConflict)
	ErrRegistryClosed        = NewWithStatus(ErrCodeRegistryClosed, "Call registry is closed", http.StatusGone)
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

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
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

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithCause returns a copy of a sentinel AppError carrying err as its cause.
func (e *AppError) WithCause(err error) *AppError {
	return &AppError{
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		Details:    e.Details,
		Err:        err,
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func SignalingError(err error) *AppError {
	return WrapWithStatus(ErrCodeSignalingBackend, "Signaling backend error", http.StatusBadGateway, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the AppError code carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
