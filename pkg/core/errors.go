package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller. The HTTP boundary maps kinds to
// status codes.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindForbidden
	KindReloadForbidden
	KindMalformedToken
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindReloadForbidden:
		return "reload_forbidden"
	case KindMalformedToken:
		return "malformed_token"
	}
	return "internal"
}

// Sentinels matched through errors.Is.
var (
	ErrNotFound        = errors.New("runs: not found")
	ErrBadRequest      = errors.New("runs: bad request")
	ErrForbidden       = errors.New("runs: forbidden")
	ErrReloadForbidden = errors.New("runs: component reload forbidden")
	ErrMalformedToken  = errors.New("runs: malformed run token")
)

// Storage errors
var (
	ErrDuplicate = errors.New("runs: duplicate record")
	ErrBatchFull = errors.New("runs: batch reached its maximum number of workers")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindBadRequest:
		return ErrBadRequest
	case KindForbidden:
		return ErrForbidden
	case KindReloadForbidden:
		return ErrReloadForbidden
	case KindMalformedToken:
		return ErrMalformedToken
	}
	return nil
}

// Error carries a kind and a message that is safe to show to the worker.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequest returns a KindBadRequest error.
func BadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a KindForbidden error.
func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// ReloadForbidden returns a KindReloadForbidden error.
func ReloadForbidden(format string, args ...any) error {
	return &Error{Kind: KindReloadForbidden, Message: fmt.Sprintf(format, args...)}
}

// MalformedToken wraps a token decoding failure.
func MalformedToken(err error) error {
	return &Error{Kind: KindMalformedToken, Message: "malformed run token", Err: err}
}

// KindOf returns the kind of err, KindInternal when it carries none.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindNotFound, KindBadRequest, KindForbidden, KindReloadForbidden, KindMalformedToken} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindInternal
}

// MessageOf returns the worker-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
