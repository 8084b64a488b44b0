package broker

import (
	"errors"
	"fmt"
)

// Kind classifies venue failures so callers can pick the right
// recovery: refresh-and-retry, limiter wait, backoff, or give up.
type Kind int

const (
	KindNetwork Kind = iota
	KindAuth
	KindRateLimit
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindRejected:
		return "rejected"
	default:
		return "network"
	}
}

type Error struct {
	Venue string
	Kind  Kind
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(venue string, kind Kind, msg string) *Error {
	return &Error{Venue: venue, Kind: kind, Msg: msg}
}

func WrapError(venue string, kind Kind, err error) *Error {
	return &Error{Venue: venue, Kind: kind, Err: err}
}

func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}

// IsAuth reports an expired or invalid session; the caller should
// refresh the session and retry once.
func IsAuth(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindAuth
}

// IsRejected reports a venue-side order rejection. Terminal for the
// leg: retrying will not change the outcome.
func IsRejected(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRejected
}

// IsRetryable reports transient failures worth another attempt after
// backoff. Unclassified errors count as network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind == KindNetwork || kind == KindRateLimit
}
