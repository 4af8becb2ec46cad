package proxy

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies fetch failures.
type Kind string

// Error kinds surfaced by the front end and fetch workers.
const (
	KindInput      Kind = "input"
	KindNavigation Kind = "navigation"
	KindRender     Kind = "render"
	KindUnexpected Kind = "unexpected"
)

// ErrURLRequired is returned when a request carries no usable URL.
var ErrURLRequired = NewInputError("URL is required", nil)

// Error is the internal error type carrying a failure kind.
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

// Is matches another *Error with the same kind and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// NewInputError reports a request the front end rejects before dispatch.
func NewInputError(msg string, err error) *Error {
	return &Error{Kind: KindInput, Message: msg, Err: err}
}

// NewNavigationError reports a failure reaching or loading the target.
func NewNavigationError(msg string, err error) *Error {
	return &Error{Kind: KindNavigation, Message: msg, Err: err}
}

// NewRenderError reports a browser launch or extraction failure.
func NewRenderError(msg string, err error) *Error {
	return &Error{Kind: KindRender, Message: msg, Err: err}
}

// NewUnexpectedError reports anything outside the known taxonomy.
func NewUnexpectedError(msg string, err error) *Error {
	return &Error{Kind: KindUnexpected, Message: msg, Err: err}
}

// KindOf classifies err. Deadline and cancellation errors count as navigation failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNavigation
	}
	return KindUnexpected
}
