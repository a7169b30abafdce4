// Package errs defines the router's error taxonomy and the retry/fallback
// policy attached to each kind. Every error that crosses an adapter or
// pipeline boundary is wrapped into an *Error so callers can classify it
// without type-asserting provider-specific error types.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a router-facing error.
type Kind string

// Error kinds, exhaustive per the taxonomy. Order here matches the
// retryable/fallback table: validation/auth/permission/quota/safety/cancel
// never retry or fall back; rate limit retries after RetryAfter; not-found,
// upstream errors, and context-length errors fall back to the next
// candidate.
const (
	KindValidation     Kind = "ValidationError"
	KindAuth           Kind = "AuthError"
	KindPermission     Kind = "PermissionError"
	KindRateLimit      Kind = "RateLimitError"
	KindQuotaExceeded  Kind = "QuotaExceededError"
	KindNotFound       Kind = "NotFoundError"
	KindUpstreamTrans  Kind = "UpstreamTransient"
	KindUpstreamPerm   Kind = "UpstreamPermanent"
	KindContextLength  Kind = "ContextLengthError"
	KindSafetyBlocked  Kind = "SafetyBlocked"
	KindCancelled      Kind = "CancelledError"
	KindInternal       Kind = "InternalError"
	KindQueueFull      Kind = "QueueFullError"
	KindUnsupportedFmt Kind = "UnsupportedFormatError"
)

// Error is the router's wire-shape-ready error value:
// {error: {kind, message, retryAfter?, provider?, model?, requestId}}
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Provider   string
	Model      string
	RequestID  string
	Err        error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (provider=%s model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an opaque error as kind, preserving it via errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// WithProvider/WithModel/WithRequestID/WithRetryAfter return e with the
// field populated, for fluent construction at the call site.
func (e *Error) WithProvider(p string) *Error    { e.Provider = p; return e }
func (e *Error) WithModel(m string) *Error       { e.Model = m; return e }
func (e *Error) WithRequestID(id string) *Error  { e.RequestID = id; return e }
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}
func (e *Error) WithCause(err error) *Error { e.Err = err; return e }

// Retryable reports whether the pipeline should retry the SAME candidate
// (currently only RateLimitError, after RetryAfter elapses, and
// UpstreamTransient under the exponential-backoff policy below).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindUpstreamTrans:
		return true
	default:
		return false
	}
}

// Fallbackable reports whether the router should advance to the next
// candidate in the fallback chain after this error.
func (e *Error) Fallbackable() bool {
	switch e.Kind {
	case KindNotFound, KindUpstreamTrans, KindUpstreamPerm, KindContextLength:
		return true
	default:
		return false
	}
}

// As classifies err, falling back to InternalError when it isn't already
// an *Error (or wrapping one).
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

// RetryPolicy is the exponential-backoff-with-jitter schedule applied to
// UpstreamTransient errors before the router gives up on a candidate and
// advances the fallback chain.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	JitterFrac float64
	MaxAttempts int
}

// DefaultRetryPolicy matches §7: base 500ms, ×2.0, cap 30s, ±20% jitter, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.2,
		MaxAttempts: 3,
	}
}
