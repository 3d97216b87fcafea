// Package errors provides structured error types with codes for the authorization server.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for categorizing errors.
const (
	CodeInvalidRequest           = "invalid_request"
	CodeInvalidClient            = "invalid_client"
	CodeInvalidScope             = "invalid_scope"
	CodeInvalidCredentials       = "invalid_credentials"
	CodeRedirectURIMismatch      = "redirect_uri_mismatch"
	CodeAuthorizationCodeInvalid = "authorization_code_invalid"
	CodeTokenExpired             = "token_expired"
	CodeTokenMalformed           = "token_malformed"
	CodeTokenInvalid             = "token_invalid"
	CodeUserNotFound             = "user_not_found"
	CodePasswordMismatch         = "password_mismatch"
	CodeAccountLocked            = "account_locked"
	CodeServerError              = "server_error"
	CodeNotFound                 = "not_found"
	CodeAlreadyExists            = "already_exists"
	CodeForbidden                = "forbidden"
	CodeRateLimited              = "rate_limited"
)

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost *Error in the chain, or
// CodeServerError for anything else.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// NotFound creates a not found error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(resource, id string) *Error {
	return &Error{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists: %s", resource, id),
	}
}

// InvalidRequest creates an invalid request error.
func InvalidRequest(message string) *Error {
	return New(CodeInvalidRequest, message)
}

// InvalidClient creates an invalid client error.
func InvalidClient(message string) *Error {
	return New(CodeInvalidClient, message)
}

// InvalidScope creates an invalid scope error.
func InvalidScope(message string) *Error {
	return New(CodeInvalidScope, message)
}

// InvalidCredentials creates an invalid credentials error.
func InvalidCredentials(message string) *Error {
	return New(CodeInvalidCredentials, message)
}

// RedirectURIMismatch creates a redirect URI mismatch error.
func RedirectURIMismatch(message string) *Error {
	return New(CodeRedirectURIMismatch, message)
}

// AuthorizationCodeInvalid is returned for codes that are unknown, already
// exchanged or expired. The three cases share one message.
func AuthorizationCodeInvalid() *Error {
	return New(CodeAuthorizationCodeInvalid, "authorization code not found, already used, or expired")
}

// InvalidToken creates an invalid token error.
func InvalidToken(message string) *Error {
	return New(CodeTokenInvalid, message)
}

// Internal creates a server error. Used when a referential invariant is broken
// or a backing store fails.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeServerError,
		Message: message,
		Err:     err,
	}
}

// OAuthError is the boundary representation of an error.
type OAuthError struct {
	Error       string
	Description string
	Status      int
}

// OAuth maps err to an OAuth2 error code, a description safe to show to the
// caller, and an HTTP status.
func OAuth(err error) OAuthError {
	var e *Error
	if !errors.As(err, &e) {
		return OAuthError{Error: "server_error", Description: "internal server error", Status: http.StatusInternalServerError}
	}

	switch e.Code {
	case CodeInvalidRequest, CodeNotFound:
		return OAuthError{Error: "invalid_request", Description: e.Message, Status: http.StatusBadRequest}
	case CodeInvalidClient:
		return OAuthError{Error: "invalid_client", Description: e.Message, Status: http.StatusUnauthorized}
	case CodeInvalidScope:
		return OAuthError{Error: "invalid_scope", Description: e.Message, Status: http.StatusBadRequest}
	case CodeUserNotFound, CodePasswordMismatch:
		return OAuthError{Error: "access_denied", Description: "invalid credentials", Status: http.StatusUnauthorized}
	case CodeAccountLocked:
		return OAuthError{Error: "access_denied", Description: e.Message, Status: http.StatusTooManyRequests}
	case CodeInvalidCredentials, CodeRedirectURIMismatch, CodeAuthorizationCodeInvalid,
		CodeTokenExpired, CodeTokenMalformed, CodeTokenInvalid:
		return OAuthError{Error: "invalid_grant", Description: e.Message, Status: http.StatusBadRequest}
	case CodeForbidden:
		return OAuthError{Error: "access_denied", Description: e.Message, Status: http.StatusForbidden}
	case CodeRateLimited:
		return OAuthError{Error: "temporarily_unavailable", Description: e.Message, Status: http.StatusTooManyRequests}
	default:
		return OAuthError{Error: "server_error", Description: "internal server error", Status: http.StatusInternalServerError}
	}
}
