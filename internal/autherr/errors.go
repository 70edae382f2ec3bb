// Package autherr defines the domain error taxonomy shared by the identity
// service and the HTTP layer.
package autherr

import (
	"errors"
	"net/http"
)

// Kind classifies a domain error
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindAuthentication
	KindNotFound
	KindTicketExpired
	KindTicketInvalid
	KindTicketUsed
	KindInvalidToken
)

// Sentinels for errors.Is checks. Each matches any *Error of the same kind.
var (
	ErrValidation     = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrConflict       = &Error{Kind: KindConflict, Message: "conflict"}
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
	ErrTicketExpired  = &Error{Kind: KindTicketExpired, Message: "ticket expired"}
	ErrTicketInvalid  = &Error{Kind: KindTicketInvalid, Message: "ticket invalid"}
	ErrTicketUsed     = &Error{Kind: KindTicketUsed, Message: "ticket already used"}
	ErrInvalidToken   = &Error{Kind: KindInvalidToken, Message: "invalid token"}
)

// Error is a typed domain failure. Message is safe to show to clients; Err holds
// the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind. A used ticket is also an invalid ticket.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindTicketUsed && t.Kind == KindTicketInvalid
}

func Validation(msg string) error     { return &Error{Kind: KindValidation, Message: msg} }
func Conflict(msg string) error       { return &Error{Kind: KindConflict, Message: msg} }
func Authentication(msg string) error { return &Error{Kind: KindAuthentication, Message: msg} }
func NotFound(msg string) error       { return &Error{Kind: KindNotFound, Message: msg} }
func TicketExpired(msg string) error  { return &Error{Kind: KindTicketExpired, Message: msg} }
func TicketInvalid(msg string) error  { return &Error{Kind: KindTicketInvalid, Message: msg} }
func TicketUsed(msg string) error     { return &Error{Kind: KindTicketUsed, Message: msg} }

// InvalidToken wraps the token parse failure so it is logged but not shown
func InvalidToken(cause error) error {
	return &Error{Kind: KindInvalidToken, Message: "invalid or expired token", Err: cause}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-safe message for err
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error to its JSON API status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindTicketExpired, KindTicketInvalid, KindTicketUsed:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuthentication, KindInvalidToken:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
