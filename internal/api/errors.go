package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNetwork   = errors.New("network failure")
	ErrAuth      = errors.New("authorization failure")
	ErrCancelled = errors.New("request cancelled")
)

// Error carries the failed operation and HTTP status alongside its kind.
// Kind is one of ErrNetwork, ErrAuth or ErrCancelled.
type Error struct {
	Op     string
	Status int
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Op: op, Kind: ErrCancelled, Err: ctx.Err()}
	}
	return &Error{Op: op, Kind: ErrNetwork, Err: err}
}

func statusError(op string, status int, body string, anonymous bool) error {
	var cause error
	if body != "" {
		cause = errors.New(body)
	}
	kind := ErrNetwork
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuth
	case anonymous && status >= 400 && status < 500:
		// Login and registration answer bad credentials with 400-family codes.
		kind = ErrAuth
	}
	return &Error{Op: op, Status: status, Kind: kind, Err: cause}
}
