package chat

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a routing failure.
type ErrorCode string

const (
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed     ErrorCode = "SESSION_CLOSED"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeNotAuthorized     ErrorCode = "NOT_AUTHORIZED"
	CodeAlreadyTakenOver  ErrorCode = "ALREADY_TAKEN_OVER"
	CodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	CodeDeliveryFailed    ErrorCode = "DELIVERY_FAILED"
	CodeMalformedEvent    ErrorCode = "MALFORMED_EVENT"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
)

// Error is returned to the originating connection only. It is never broadcast.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the originator may resend the same event.
func (e *Error) Retryable() bool {
	return e.Code == CodeStoreUnavailable || e.Code == CodeRateLimited
}

// Sentinels for errors.Is comparisons.
var (
	ErrSessionNotFound   = &Error{Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionClosed     = &Error{Code: CodeSessionClosed, Message: "session is resolved"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "event not allowed in current status"}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized, Message: "only the assigned agent may reply"}
	ErrAlreadyTakenOver  = &Error{Code: CodeAlreadyTakenOver, Message: "session already taken over by another agent"}
	ErrNotIdle           = &Error{Code: CodeInvalidTransition, Message: "session has activity after the idle cutoff"}
	ErrStoreUnavailable  = &Error{Code: CodeStoreUnavailable, Message: "session store unavailable"}
	ErrDeliveryFailed    = &Error{Code: CodeDeliveryFailed, Message: "delivery failed"}
	ErrMalformedEvent    = &Error{Code: CodeMalformedEvent, Message: "malformed event"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "too many events"}
	ErrConnectionClosed  = &Error{Code: CodeConnectionClosed, Message: "connection closed"}
)

func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// Malformed creates a MALFORMED_EVENT error naming the offending field.
func Malformed(format string, args ...any) *Error {
	return &Error{Code: CodeMalformedEvent, Message: fmt.Sprintf(format, args...)}
}

// StoreUnavailable wraps a persistence failure.
func StoreUnavailable(cause error) *Error {
	return newError(CodeStoreUnavailable, "session store unavailable", cause)
}

// CodeOf returns the error code carried by err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
