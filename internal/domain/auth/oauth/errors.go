package oauth

import (
	"errors"
	"net/http"
)

// Error codes returned in the OAuth error body.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidRedirectURI      = "invalid_redirect_uri"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidToken            = "invalid_token"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeNotFound                = "not_found"
	CodeServerError             = "server_error"
)

// Error is a classified authorization server failure. Description is safe to
// show to the caller; cause is kept for logs only.
type Error struct {
	Code        string
	Description string
	Status      int
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Description + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code string, status int, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func invalidRequest(description string) *Error {
	return newError(CodeInvalidRequest, http.StatusBadRequest, description)
}

func invalidScope(description string) *Error {
	return newError(CodeInvalidScope, http.StatusBadRequest, description)
}

func invalidGrant(description string) *Error {
	return newError(CodeInvalidGrant, http.StatusBadRequest, description)
}

func invalidClient(description string) *Error {
	return newError(CodeInvalidClient, http.StatusUnauthorized, description)
}

func invalidToken(description string) *Error {
	return newError(CodeInvalidToken, http.StatusUnauthorized, description)
}

func serverError(cause error) *Error {
	return &Error{
		Code:        CodeServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		cause:       cause,
	}
}

// AsError classifies err, treating anything unclassified as a server error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return serverError(err)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Code == code
}
