// Package faults classifies errors from external systems (indexers, download
// clients, encoder workers, storage targets) into retry-policy categories.
// The pipeline engine and dispatcher act on the Kind, never on the concrete
// error: a kind decides whether work is retried, whether an attempt was
// consumed, and what the operator sees.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// Kind categorizes a fault for retry decisions.
type Kind string

const (
	// KindTransientNetwork covers connection resets, refused connections and
	// DNS hiccups. Retryable with backoff.
	KindTransientNetwork Kind = "transient_network"

	// KindTimeout covers deadline-exceeded on an external call. Retryable.
	KindTimeout Kind = "timeout"

	// KindRateLimited means the remote (or our own limiter) pushed back.
	// Retryable after RetryAfter when the server provided a hint.
	KindRateLimited Kind = "rate_limited"

	// KindTransient5xx covers 502/503/504 style upstream failures. Retryable.
	KindTransient5xx Kind = "transient_5xx"

	// KindPermanent covers errors that will not heal on retry.
	KindPermanent Kind = "permanent"

	// KindNotFound is a permanent "the thing does not exist" answer.
	KindNotFound Kind = "not_found"

	// KindForbidden is a permanent auth/authz refusal.
	KindForbidden Kind = "forbidden"

	// KindInvalid is a permanent bad-input refusal.
	KindInvalid Kind = "invalid"

	// KindCapacityRejected means a worker declined an offer because its slots
	// were full. Never consumes a delivery attempt.
	KindCapacityRejected Kind = "capacity_rejected"

	// KindStalled means accepted work stopped reporting progress. Consumes an
	// attempt only when progress had been made.
	KindStalled Kind = "stalled"

	// KindValidation means a lifecycle transition was refused. Not retryable
	// by the engine; indicates a logic or ordering problem.
	KindValidation Kind = "validation"

	// KindCancelled means the work was cancelled. Terminal, never retried.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether work failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindTimeout, KindRateLimited, KindTransient5xx, KindStalled:
		return true
	default:
		return false
	}
}

// ConsumesAttempt reports whether a failure of this kind counts against the
// bounded attempt budget. Capacity rejections never do; everything else does
// unless the caller knows better (stalls at zero progress are requeued free
// by the dispatcher before classification reaches here).
func (k Kind) ConsumesAttempt() bool {
	return k != KindCapacityRejected
}

// Fault wraps an error with its classification and an optional retry hint.
type Fault struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration
}

// New creates a fault of the given kind wrapping err.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf creates a fault of the given kind from a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithRetryAfter attaches a server-provided retry hint.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	f.RetryAfter = d
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable reports whether this fault may be retried.
func (f *Fault) Retryable() bool {
	return f.Kind.Retryable()
}

// KindOf returns the classification of err, classifying on the fly when err
// is not already a Fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err may be retried, classifying if needed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// RetryAfterHint returns the server-provided retry delay, or zero.
func RetryAfterHint(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// Classify maps an arbitrary error onto a Fault. Already-classified errors
// pass through unchanged. Unknown errors are treated as permanent: retrying
// what we do not understand hides bugs.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return New(KindTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return New(KindTransientNetwork, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindTransientNetwork, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(KindTransientNetwork, err)
	}

	return New(KindPermanent, err)
}

// FromStatusCode maps an HTTP response status onto a Fault. A nil return
// means the status is not an error. retryAfter carries the parsed
// Retry-After header value when the caller had one.
func FromStatusCode(status int, retryAfter time.Duration) *Fault {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		f := Newf(KindRateLimited, "http status %d", status)
		if retryAfter > 0 {
			f.RetryAfter = retryAfter
		}
		return f
	case status == http.StatusNotFound, status == http.StatusGone:
		return Newf(KindNotFound, "http status %d", status)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Newf(KindForbidden, "http status %d", status)
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		f := Newf(KindTransient5xx, "http status %d", status)
		if retryAfter > 0 {
			f.RetryAfter = retryAfter
		}
		return f
	case status >= 500:
		return Newf(KindTransient5xx, "http status %d", status)
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return Newf(KindInvalid, "http status %d", status)
	default:
		return Newf(KindPermanent, "http status %d", status)
	}
}
