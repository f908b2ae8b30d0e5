// Package apperr defines the error taxonomy shared by the review pipeline,
// the quota ledger and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an application error.
type Kind string

// Error kinds.
const (
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindUpstream      Kind = "upstream_failure"
	KindPersistence   Kind = "persistence_failure"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUpstream      = errors.New("upstream failure")
	ErrPersistence   = errors.New("persistence failure")
)

var sentinels = map[Kind]error{
	KindUnauthorized:  ErrUnauthorized,
	KindNotFound:      ErrNotFound,
	KindQuotaExceeded: ErrQuotaExceeded,
	KindUpstream:      ErrUpstream,
	KindPersistence:   ErrPersistence,
}

// Error is a classified error with a message safe to show to the end user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

// Unauthorized reports a missing session or provider credential.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// NotFound reports a missing repository, webhook or user.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// QuotaExceeded reports a tier limit that has been reached.
func QuotaExceeded(message string) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: message}
}

// Upstream wraps a failed call to the hosting provider, embedding service,
// vector index, model or event bus.
func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err}
}

// Persistence wraps a failed store write or read.
func Persistence(message string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code used by the dashboard API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that may be shown to the caller.
// Unclassified and persistence errors collapse to a generic message.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr == nil {
		return "internal server error"
	}
	if appErr.Kind == KindPersistence {
		return "internal server error"
	}
	return appErr.Message
}
