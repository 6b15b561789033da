package model

import (
	"errors"
	"time"
)

// Canonical error kinds. Every user-facing failure wraps exactly one of these
// so the protocol layer can map it to a JSON-RPC code and machine-readable
// reason without string matching.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrRateLimited       = errors.New("rate limited")
	ErrDependencyDown    = errors.New("dependency unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrInvariantViolated = errors.New("invariant violation")
)

// RetryableError carries a retry-after hint alongside a rate-limit or
// quota failure. Adapters and the embedder gateway return it so callers
// can honor the provider's pacing.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying: dependency outages,
// timeouts, and rate limits are; validation and ownership failures are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrDependencyDown) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// Reason returns the machine-readable reason string for a canonical kind,
// used in JSON-RPC error data.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDependencyDown):
		return "dependency_unavailable"
	case errors.Is(err, ErrInvariantViolated):
		return "invariant_violation"
	default:
		return "internal"
	}
}
