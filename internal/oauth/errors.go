// Package oauth implements the OAuth2 authorization code grant with PKCE,
// refresh token rotation, revocation and introspection.
package oauth

import (
	"net/http"
	"net/url"
)

// Error codes from RFC 6749 section 4.1.2.1 and 5.2
const (
	CodeInvalidClient           = "invalid_client"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidScope            = "invalid_scope"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeLoginRequired           = "login_required"
)

// Error is a protocol error. When RedirectURI is set the error is reported to
// the client by redirect; otherwise as a JSON body with Status.
type Error struct {
	Code        string
	Description string
	RedirectURI string
	State       string
	Status      int
}

// Sentinels for errors.Is. Matching compares Code only.
var (
	ErrInvalidClient           = &Error{Code: CodeInvalidClient}
	ErrUnauthorizedClient      = &Error{Code: CodeUnauthorizedClient}
	ErrInvalidGrant            = &Error{Code: CodeInvalidGrant}
	ErrInvalidRequest          = &Error{Code: CodeInvalidRequest}
	ErrInvalidScope            = &Error{Code: CodeInvalidScope}
	ErrUnsupportedGrantType    = &Error{Code: CodeUnsupportedGrantType}
	ErrUnsupportedResponseType = &Error{Code: CodeUnsupportedResponseType}
	ErrAccessDenied            = &Error{Code: CodeAccessDenied}
	ErrLoginRequired           = &Error{Code: CodeLoginRequired}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// RedirectURL returns the client redirect carrying the error, or "" when the
// error must not be redirected.
func (e *Error) RedirectURL() string {
	if e.RedirectURI == "" {
		return ""
	}
	q := url.Values{}
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, q)
}

func newError(code, desc string, status int) *Error {
	return &Error{Code: code, Description: desc, Status: status}
}

func invalidClient(desc string) *Error {
	return newError(CodeInvalidClient, desc, http.StatusUnauthorized)
}

func unauthorizedClient(desc string) *Error {
	return newError(CodeUnauthorizedClient, desc, http.StatusBadRequest)
}

func invalidGrant(desc string) *Error {
	return newError(CodeInvalidGrant, desc, http.StatusBadRequest)
}

func invalidRequest(desc string) *Error {
	return newError(CodeInvalidRequest, desc, http.StatusBadRequest)
}

func invalidScope(desc string) *Error {
	return newError(CodeInvalidScope, desc, http.StatusBadRequest)
}

// withRedirect binds the error to a verified redirect URI
func (e *Error) withRedirect(uri, state string) *Error {
	e.RedirectURI = uri
	e.State = state
	return e
}

func appendQuery(rawURL string, q url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			existing.Add(k, v)
		}
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
