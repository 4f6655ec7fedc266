package apperr

import (
	"errors"
	"net/http"
)

// Kind is the stable machine-readable category of a failure.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindTokenExpired Kind = "token_expired"
	KindTokenInvalid Kind = "token_invalid"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal"
)

// HTTPStatus maps the kind onto the status code returned to clients.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized, KindTokenExpired, KindTokenInvalid:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure with a kind, a client-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by kind. Token kinds also match Unauthorized since they refine it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return t.Kind == KindUnauthorized && (e.Kind == KindTokenExpired || e.Kind == KindTokenInvalid)
}

// Sentinels for errors.Is checks.
var (
	BadRequest   = &Error{Kind: KindBadRequest, Message: "bad request"}
	Conflict     = &Error{Kind: KindConflict, Message: "conflict"}
	Unauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	NotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	TokenExpired = &Error{Kind: KindTokenExpired, Message: "token expired"}
	TokenInvalid = &Error{Kind: KindTokenInvalid, Message: "token invalid"}
	RateLimited  = &Error{Kind: KindRateLimited, Message: "too many requests"}
	Internal     = &Error{Kind: KindInternal, Message: "internal error"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsInternal wraps err as an internal error unless it already carries a kind,
// in which case it is returned unchanged.
func AsInternal(message string, err error) error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return err
	}
	return Wrap(KindInternal, message, err)
}

// KindOf reports the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind
	}
	return KindInternal
}

// PublicMessage is the message safe to show to a client.
func PublicMessage(err error) string {
	var structured *Error
	if errors.As(err, &structured) && structured.Message != "" {
		return structured.Message
	}
	return "internal server error"
}
