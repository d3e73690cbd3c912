package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transient transport failure: connection errors, timeouts
// and truncated bodies. Fetch retries these.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status fetching %s: %s", e.URL, e.Status)
}

// Transient reports whether retrying the request may succeed.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Code >= 500
}

// IntegrityError means the archive was downloaded completely but is not the
// expected content. It is never retried.
type IntegrityError struct {
	URL    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.URL, e.Reason)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return false
}
