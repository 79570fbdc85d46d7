package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification of a failure.
type ErrorCode string

const (
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeInvalidArgument      ErrorCode = "INVALID_ARGUMENT"
	CodeLimitExceeded        ErrorCode = "LIMIT_EXCEEDED"
	CodeBadState             ErrorCode = "BAD_STATE"
	CodeInvariantViolation   ErrorCode = "INVARIANT_VIOLATION"
	CodeRiskRejected         ErrorCode = "RISK_REJECTED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeUnavailable          ErrorCode = "UNAVAILABLE"
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeEmergency            ErrorCode = "EMERGENCY"
	CodeInternal             ErrorCode = "INTERNAL"
)

// Error is a typed application error carrying a code, a human message and
// optional structured details. It supports errors.Is/As via Unwrap.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two typed errors by code, so sentinel comparisons like
// errors.Is(err, types.NewError(types.CodeNotFound, "")) work.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a typed error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewErrorf creates a typed error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause in a typed error.
func WrapError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the error code from err, or CodeInternal when err carries
// no typed error. A nil err yields the empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
