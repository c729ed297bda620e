package server

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes from RFC 6749, plus invalid_refresh_token for the
// refresh grant's terminal failures.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidRefreshToken  = "invalid_refresh_token"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
)

// Error is a protocol-level failure carrying the RFC 6749 error code and the
// HTTP status the handler should respond with. Descriptions are written for
// the client developer; they never carry stored state or security detail.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error with the conventional HTTP status for its
// code.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: statusForCode(code)}
}

func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeInvalidRefreshToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Convenience constructors for the common failures.

func errInvalidGrant(description string) *Error {
	return NewError(ErrorCodeInvalidGrant, description)
}

func errInvalidRefreshToken(description string) *Error {
	return NewError(ErrorCodeInvalidRefreshToken, description)
}

func errInvalidClient(description string) *Error {
	return NewError(ErrorCodeInvalidClient, description)
}

func errServerError(description string) *Error {
	return NewError(ErrorCodeServerError, description)
}
