package model

import (
	"errors"
	"fmt"
)

// Error codes for the fetch pipeline
const (
	ErrCodeTransport         = "TRANSPORT"
	ErrCodeDecode            = "RESPONSE_DECODE"
	ErrCodeAuthChallenge     = "AUTH_CHALLENGE"
	ErrCodeAuthSubmission    = "AUTH_SUBMISSION"
	ErrCodeAuthRejected      = "AUTH_REJECTED"
	ErrCodeAuthPollTimeout   = "AUTH_POLL_TIMEOUT"
	ErrCodeAuthStatus        = "AUTH_STATUS"
	ErrCodeAuthRedeem        = "AUTH_REDEEM"
	ErrCodeNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrCodeExportRejected    = "EXPORT_REJECTED"
	ErrCodeExportPollTimeout = "EXPORT_POLL_TIMEOUT"
	ErrCodePackageFormat     = "PACKAGE_FORMAT"
	ErrCodeDecryption        = "DECRYPTION"
	ErrCodeKeyNotFound       = "KEY_NOT_FOUND"
	ErrCodeStateCorruption   = "STATE_CORRUPTION"
	ErrCodeStateUnavailable  = "STATE_UNAVAILABLE"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
)

// Error is the error type returned by every stage of a run
type Error struct {
	Code       string
	Field      string
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.HTTPStatus != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.HTTPStatus)
	}
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, msg, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(code, field, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the outermost *Error in the chain, or "" if none
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in the chain carries the given code
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRunFatal reports whether err prevents any further subject-role from being processed.
func IsRunFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeKeyNotFound,
		ErrCodeAuthChallenge,
		ErrCodeAuthSubmission,
		ErrCodeAuthRejected,
		ErrCodeAuthPollTimeout,
		ErrCodeAuthStatus,
		ErrCodeAuthRedeem,
		ErrCodeNotAuthenticated,
		ErrCodeStateCorruption,
		ErrCodeStateUnavailable:
		return true
	default:
		return false
	}
}

// Common error constructors

// ErrTransport returns error for network failures and unexpected HTTP responses
func ErrTransport(field string, status int, cause error) *Error {
	e := NewError(ErrCodeTransport, field, "request failed", cause)
	e.HTTPStatus = status
	return e
}

// ErrDecode returns error when a response does not match the expected shape
func ErrDecode(field, message string, cause error) *Error {
	return NewError(ErrCodeDecode, field, message, cause)
}

// ErrAuthChallenge returns error when no challenge could be obtained
func ErrAuthChallenge(cause error) *Error {
	return NewError(ErrCodeAuthChallenge, "auth.challenge", "failed to obtain authentication challenge", cause)
}

// ErrAuthSubmission returns error when the encrypted token was not accepted for processing
func ErrAuthSubmission(cause error) *Error {
	return NewError(ErrCodeAuthSubmission, "auth.submit", "failed to submit encrypted token", cause)
}

// ErrAuthRejected returns error when the platform reports a failed authentication
func ErrAuthRejected(code int, description string) *Error {
	return NewError(ErrCodeAuthRejected, "auth.status", fmt.Sprintf("authentication rejected with status %d: %s", code, description), nil)
}

// ErrAuthPollTimeout returns error when authentication did not finish within the attempt ceiling
func ErrAuthPollTimeout(attempts int) *Error {
	return NewError(ErrCodeAuthPollTimeout, "auth.status", fmt.Sprintf("authentication still pending after %d attempts", attempts), nil)
}

// ErrAuthStatus returns error when the authentication status could not be queried
func ErrAuthStatus(cause error) *Error {
	return NewError(ErrCodeAuthStatus, "auth.status", "failed to query authentication status", cause)
}

// ErrAuthRedeem returns error when a completed authentication could not be exchanged for an access token
func ErrAuthRedeem(cause error) *Error {
	return NewError(ErrCodeAuthRedeem, "auth.redeem", "failed to redeem authentication token", cause)
}

// ErrNotAuthenticated returns error when an operation requires a credential
func ErrNotAuthenticated() *Error {
	return NewError(ErrCodeNotAuthenticated, "", "no access token, authenticate first", nil)
}

// ErrExportRejected returns error when the platform reports a failed export
func ErrExportRejected(reference string, code int, description string) *Error {
	return NewError(ErrCodeExportRejected, "export.status", fmt.Sprintf("export %s failed with status %d: %s", reference, code, description), nil)
}

// ErrExportPollTimeout returns error when an export did not finish within the attempt ceiling
func ErrExportPollTimeout(reference string, attempts int) *Error {
	return NewError(ErrCodeExportPollTimeout, "export.status", fmt.Sprintf("export %s still running after %d attempts", reference, attempts), nil)
}

// ErrPackageFormat returns error when a downloaded package cannot be interpreted
func ErrPackageFormat(field, message string, cause error) *Error {
	return NewError(ErrCodePackageFormat, field, message, cause)
}

// ErrDecryption returns error when bulk decryption fails
func ErrDecryption(message string, cause error) *Error {
	return NewError(ErrCodeDecryption, "", message, cause)
}

// ErrKeyNotFound returns error when no certificate advertises the required usage
func ErrKeyNotFound(usage string) *Error {
	return NewError(ErrCodeKeyNotFound, "certificates", fmt.Sprintf("no certificate with usage %s", usage), nil)
}

// ErrStateCorruption returns error when the persisted cursor state cannot be read
func ErrStateCorruption(field, message string, cause error) *Error {
	return NewError(ErrCodeStateCorruption, field, message, cause)
}

// ErrStateUnavailable returns error when the state backend cannot be opened, e.g. while another run holds it
func ErrStateUnavailable(cause error) *Error {
	return NewError(ErrCodeStateUnavailable, "state", "state backend unavailable", cause)
}

// ErrToolUnavailable returns error when an external tool is not installed
func ErrToolUnavailable(tool string) *Error {
	return NewError(ErrCodeToolUnavailable, "", fmt.Sprintf("external tool not available: %s", tool), nil)
}
