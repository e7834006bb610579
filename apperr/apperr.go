// Package apperr classifies errors into the kinds clients and the websocket
// loop care about. Only KindInternal is fatal to a live connection.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindConflict
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrNotFound        = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrConflict        = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrForbidden       = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrInternal        = &Error{Kind: KindInternal, Msg: "internal error"}
)

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

func InvalidArgument(msg string) error { return newf(KindInvalidArgument, msg, nil) }
func NotFound(msg string) error        { return newf(KindNotFound, msg, nil) }
func Conflict(msg string) error        { return newf(KindConflict, msg, nil) }
func Unauthorized(msg string) error    { return newf(KindUnauthorized, msg, nil) }
func Forbidden(msg string) error       { return newf(KindForbidden, msg, nil) }

// Internal wraps an unexpected failure. The cause is logged, never sent.
func Internal(cause error) error {
	if cause == nil {
		return nil
	}
	var ae *Error
	if errors.As(cause, &ae) {
		return cause
	}
	return newf(KindInternal, "internal error", cause)
}

// Wrap attaches a kind and message to cause.
func Wrap(k Kind, msg string, cause error) error { return newf(k, msg, cause) }

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsFatal reports whether err must terminate a live connection.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindInternal
}

// Public returns the message safe to show to a client.
func Public(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Msg
	}
	return "internal error"
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
