package retry

import (
	"errors"
	"strings"
)

// ErrorKind categorizes a failure for retry classification.
type ErrorKind string

// Error kinds surfaced by provider calls and job execution.
const (
	KindAuthentication ErrorKind = "authentication"
	KindRateLimit      ErrorKind = "rate_limit"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServerError    ErrorKind = "server_error"
	KindNetworkError   ErrorKind = "network_error"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

// ClassifiedError wraps an error with retry classification metadata.
// Retryable, when non-nil, overrides any kind-based lookup.
type ClassifiedError struct {
	Kind      ErrorKind
	Retryable *bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError wraps err with the given kind.
func NewClassifiedError(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// WithRetryable sets the explicit retryable override and returns the error.
func (e *ClassifiedError) WithRetryable(retryable bool) *ClassifiedError {
	e.Retryable = &retryable
	return e
}

// KindOf returns the classification kind of err, or KindUnknown if err
// carries no classification.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// transientSubstrings is the textual fallback used when an error carries
// neither an explicit retryable flag nor a kind present in the policy's
// retryable set. Matching is case-insensitive.
var transientSubstrings = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"502",
	"503",
	"504",
}

// isRetryable decides whether err should be retried under the policy.
// Precedence: explicit flag, then kind membership, then transient
// substring matching on the error text.
func isRetryable(err error, policy Policy) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Retryable != nil {
			return *ce.Retryable
		}
		if _, ok := policy.RetryableKinds[ce.Kind]; ok {
			return true
		}
		// A known non-retryable kind stays non-retryable; the textual
		// fallback only applies to unclassified failures.
		if ce.Kind != KindUnknown {
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
