// Package apperr defines the gateway's error taxonomy: a stable SCREAMING_SNAKE
// code per failure kind, plus the HTTP status and WebSocket close code each
// maps to. Handlers never invent ad-hoc error strings — they wrap or return
// one of these so the boundary layers (internal/httpapi, internal/termgateway)
// can translate consistently.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, i18n-friendly error identifier.
type Code string

const (
	CodeTokenMissing      Code = "TOKEN_MISSING"
	CodeTokenInvalid      Code = "TOKEN_INVALID"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeTokenNotYetValid  Code = "TOKEN_NOT_YET_VALID"
	CodeSignatureInvalid  Code = "SIGNATURE_INVALID"
	CodeUntrustedIssuer   Code = "UNTRUSTED_ISSUER"
	CodeAudienceMismatch  Code = "AUDIENCE_MISMATCH"
	CodeKeyNotFound       Code = "KEY_NOT_FOUND"
	CodeJWKSUnavailable   Code = "JWKS_UNAVAILABLE"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeSessionLimit      Code = "SESSION_LIMIT_EXCEEDED"
	CodeSessionExpired    Code = "SESSION_EXPIRED"
	CodeCommandNotFound   Code = "COMMAND_NOT_FOUND"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeResourceLimit     Code = "RESOURCE_LIMIT"
	CodeCommandTimeout    Code = "COMMAND_TIMEOUT"
	CodePathEscape        Code = "PATH_ESCAPE"
	CodePathNotFound      Code = "PATH_NOT_FOUND"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodeRateLimit         Code = "RATE_LIMIT"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodeInvalidDimensions Code = "INVALID_DIMENSIONS"
	CodeSpawnFailed       Code = "SPAWN_FAILED"
	CodePtyClosed         Code = "PTY_CLOSED"
	CodePtyReadError      Code = "PTY_READ_ERROR"
	CodeChecksumMismatch  Code = "CHECKSUM_MISMATCH"
)

// httpStatus maps each stable code to the HTTP status it should report as.
var httpStatus = map[Code]int{
	CodeTokenMissing:      http.StatusUnauthorized,
	CodeTokenInvalid:      http.StatusUnauthorized,
	CodeTokenExpired:      http.StatusUnauthorized,
	CodeTokenNotYetValid:  http.StatusUnauthorized,
	CodeSignatureInvalid:  http.StatusUnauthorized,
	CodeUntrustedIssuer:   http.StatusUnauthorized,
	CodeAudienceMismatch:  http.StatusUnauthorized,
	CodeKeyNotFound:       http.StatusUnauthorized,
	CodeJWKSUnavailable:   http.StatusServiceUnavailable,
	CodeUnauthorized:      http.StatusForbidden,
	CodeSessionNotFound:   http.StatusNotFound,
	CodeSessionLimit:      http.StatusTooManyRequests,
	CodeSessionExpired:    http.StatusUnauthorized,
	CodeCommandNotFound:   http.StatusUnprocessableEntity,
	CodePermissionDenied:  http.StatusForbidden,
	CodeResourceLimit:     http.StatusUnprocessableEntity,
	CodeCommandTimeout:    http.StatusUnprocessableEntity,
	CodePathEscape:        http.StatusBadRequest,
	CodePathNotFound:      http.StatusNotFound,
	CodeQuotaExceeded:     http.StatusUnprocessableEntity,
	CodeInvalidMessage:    http.StatusBadRequest,
	CodeRateLimit:         http.StatusTooManyRequests,
	CodeInternal:          http.StatusInternalServerError,
	CodeInvalidDimensions: http.StatusBadRequest,
	CodeSpawnFailed:       http.StatusInternalServerError,
	CodePtyClosed:         http.StatusConflict,
	CodePtyReadError:      http.StatusInternalServerError,
	CodeChecksumMismatch:  http.StatusUnprocessableEntity,
}

// WebSocket close codes used when tearing down a terminal session.
const (
	WSCloseNormal       = 1000
	WSCloseGoingAway    = 1001
	WSCloseProtocol     = 1002
	WSClosePolicy       = 1008
	WSCloseInternal     = 1011
	WSCloseAuthFailed   = 4000
	WSCloseSessionGone  = 4001
	WSCloseRateLimited  = 4002
	WSCloseOverflow     = 4003
)

// Error is a typed, wrapped application error carrying a stable Code and
// optional machine-actionable Details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Wrapped: cause}
}

// WithDetails attaches client-actionable details (e.g. {expired_at, current_time}).
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HTTPStatus returns the status code this error's Code maps to, defaulting to
// 500 for unrecognized codes (which should never happen for codes minted via
// this package).
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err, following the same contract as errors.As.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the Code carried by err, or CodeInternal if err isn't one of
// ours.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
