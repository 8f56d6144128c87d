// Package bayerr classifies failures into the kinds the HTTP layer maps to
// status codes. Modeled on the errdefs approach the container runtimes use.
package bayerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound           Kind = "not_found"
	Unauthorized       Kind = "unauthorized"
	InvalidRequest     Kind = "invalid_request"
	CapacityExhausted  Kind = "capacity_exhausted"
	BackendUnreachable Kind = "backend_unreachable"
	ImagePullFailed    Kind = "image_pull_failed"
	QuotaExceeded      Kind = "quota_exceeded"
	ShipUnready        Kind = "ship_unready"
	BackendTimeout     Kind = "backend_timeout"
	Conflict           Kind = "conflict"
)

// Error carries a kind alongside the usual message and cause chain.
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

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the first classified error in the chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
