// Package errdefs defines the error kinds shared across Paddock's components.
//
// Every error surfaced by the instance service, the upstream adapter or the
// job queue wraps one of these sentinels, so callers classify failures with
// errors.Is / the predicate helpers instead of matching strings. Retry
// policies switch on the kind, never on message text.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks an inbound intent that violates schema or invariants
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing instance, product, template or job
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an intent inapplicable to the current state
	ErrConflict = errors.New("conflict with current state")

	// ErrUpstreamClient marks an upstream 4xx other than 429; never retried
	ErrUpstreamClient = errors.New("upstream client error")

	// ErrUpstreamRateLimit marks an upstream 429; retried honoring Retry-After
	ErrUpstreamRateLimit = errors.New("upstream rate limited")

	// ErrUpstreamServer marks an upstream 5xx; retried with backoff
	ErrUpstreamServer = errors.New("upstream server error")

	// ErrUpstreamTimeout marks a connection failure or timeout; retried
	ErrUpstreamTimeout = errors.New("upstream timeout or network error")

	// ErrCircuitOpen marks a call rejected by the open circuit breaker
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRequestQueueFull marks a call that exceeded the adapter queue wait
	ErrRequestQueueFull = errors.New("request queue wait exceeded")

	// ErrStoreUnavailable marks the persistent store as unreachable
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrWebhookDelivery marks a webhook whose retries are exhausted
	ErrWebhookDelivery = errors.New("webhook delivery failed")

	// ErrJobTimeout marks a job handler that exceeded its deadline
	ErrJobTimeout = errors.New("job timed out")
)

// Validationf wraps ErrValidation with a formatted message
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundf wraps ErrNotFound with a formatted message
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with a formatted message
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a state conflict
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsCircuitOpen reports whether err was rejected by the circuit breaker
func IsCircuitOpen(err error) bool { return errors.Is(err, ErrCircuitOpen) }

// IsRetryable reports whether the upstream adapter should retry err.
// Client errors, validation errors and open circuits are never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamRateLimit) ||
		errors.Is(err, ErrUpstreamServer) ||
		errors.Is(err, ErrUpstreamTimeout)
}

// Code returns the stable machine-readable code for err, used in the
// error envelope returned to callers.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrUpstreamRateLimit):
		return "UPSTREAM_RATE_LIMIT"
	case errors.Is(err, ErrUpstreamClient):
		return "UPSTREAM_CLIENT_ERROR"
	case errors.Is(err, ErrUpstreamServer):
		return "UPSTREAM_SERVER_ERROR"
	case errors.Is(err, ErrUpstreamTimeout):
		return "UPSTREAM_TIMEOUT"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, ErrRequestQueueFull):
		return "REQUEST_QUEUE_FULL"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrWebhookDelivery):
		return "WEBHOOK_DELIVERY_FAILED"
	case errors.Is(err, ErrJobTimeout):
		return "JOB_TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps err to the status code the API facade reports
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamClient):
		return http.StatusBadGateway
	case errors.Is(err, ErrUpstreamRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrRequestQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamServer),
		errors.Is(err, ErrUpstreamTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
