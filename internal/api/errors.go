package api

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError is a retryable network-level failure: the request never
// completed or the server answered with a retryable status. Heartbeat
// misses, attach failures, and write failures all surface as TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the request was rejected because the user is not
// authenticated or lost access to the resource. Never retried; surfaced
// immediately.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization error: %s", e.Reason)
}

// APIError is a non-auth HTTP error response from the store.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// BreakerOpenError indicates the circuit breaker is rejecting requests after
// too many recent server failures.
type BreakerOpenError struct{}

func (e *BreakerOpenError) Error() string {
	return "circuit breaker is open, too many recent failures"
}

// IsTransportError reports whether err is a retryable transport failure.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authorization failure.
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404 ||
			strings.Contains(strings.ToLower(apiErr.Body), "not found")
	}
	return false
}
