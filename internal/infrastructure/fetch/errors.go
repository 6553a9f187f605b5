package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a failed fetch.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindHTTPStatus  Kind = "http_status"
	KindRateLimited Kind = "rate_limited"
	KindNetwork     Kind = "network"
)

// Error is returned by Client.Do once the request failed for good.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Detail     string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus, KindRateLimited:
		msg := fmt.Sprintf("fetch %s: %s %d after %d attempt(s)", e.URL, e.Kind, e.StatusCode, e.Attempts)
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
		return msg
	default:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.URL, e.Kind, e.Attempts, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of a wrapped *Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// AttemptsOf returns how many HTTP attempts produced err, 0 when unknown.
func AttemptsOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return 0
}
