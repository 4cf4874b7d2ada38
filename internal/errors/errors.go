package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Transport
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeTransport   ErrorCode = "TRANSPORT_ERROR"
	ErrCodeServerError ErrorCode = "SERVER_ERROR"
	ErrCodeClientError ErrorCode = "CLIENT_ERROR"

	// Authentication
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeRefreshFailed ErrorCode = "TOKEN_REFRESH_FAILED"

	// Wallet pairing
	ErrCodeNoSession        ErrorCode = "NO_SESSION"
	ErrCodeSessionExpired   ErrorCode = "SESSION_EXPIRED"
	ErrCodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"
	ErrCodeApprovalTimeout  ErrorCode = "APPROVAL_TIMEOUT"
	ErrCodeRelay            ErrorCode = "RELAY_ERROR"

	// Real-time connection
	ErrCodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	ErrCodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_STATE_TRANSITION"

	// Validation
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// AppError is a structured error carrying a stable code alongside the message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Timeout(budget string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("No response within %s", budget))
}

func Transport(cause error) *AppError {
	return Wrap(ErrCodeTransport, "Request could not be completed", cause)
}

func ServerError(status int) *AppError {
	return New(ErrCodeServerError, fmt.Sprintf("Server returned status %d", status))
}

func ClientError(status int) *AppError {
	return New(ErrCodeClientError, fmt.Sprintf("Request rejected with status %d", status))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func RefreshFailed(cause error) *AppError {
	return Wrap(ErrCodeRefreshFailed, "Credential refresh failed", cause)
}

func NoSession() *AppError {
	return New(ErrCodeNoSession, "No wallet session available")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "Wallet session has expired")
}

func ApprovalRejected(reason string) *AppError {
	return New(ErrCodeApprovalRejected, fmt.Sprintf("Wallet rejected the pairing request: %s", reason))
}

func ApprovalTimeout() *AppError {
	return New(ErrCodeApprovalTimeout, "Wallet did not approve the pairing request in time")
}

func Relay(message string, cause error) *AppError {
	return Wrap(ErrCodeRelay, message, cause)
}

func ConnectionFailed(cause error) *AppError {
	return Wrap(ErrCodeConnectionFailed, "Could not connect", cause)
}

func ReconnectExhausted(attempts int) *AppError {
	return New(ErrCodeReconnectExhausted, fmt.Sprintf("Gave up after %d reconnect attempts", attempts))
}

func InvalidTransition(from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("Illegal connection state transition %s -> %s", from, to))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Storage(cause error) *AppError {
	return Wrap(ErrCodeStorage, "Session storage error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsTimeout reports whether err is a timeout failure, surfaced distinctly
// from completed error responses and transport failures
func IsTimeout(err error) bool {
	return HasCode(err, ErrCodeTimeout)
}
