// Package ratelimit enforces per-indexer sliding window limits backed by the
// rate limit record table. Persisting the window means limits survive
// restarts and hold across processes sharing the database, at the cost of a
// small read-check-record race that can overshoot by a request or two. The
// indexers this protects throttle with Retry-After on their side, so a rare
// overshoot is tolerable where a lost window is not.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jmylchreest/fetcharr/internal/faults"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

const (
	// waitSlack pads the computed retry-after so the retry lands after the
	// oldest record has aged out, not on the boundary.
	waitSlack = 50 * time.Millisecond

	// maxWaitBackoff caps the doubling poll interval used when the window
	// cannot name a precise reopen time.
	maxWaitBackoff = 30 * time.Second
)

// Limit describes one resource's sliding window: at most Max requests within
// Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Enabled reports whether the limit constrains anything.
func (l Limit) Enabled() bool {
	return l.Max > 0 && l.Window > 0
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request was admitted and recorded.
	Allowed bool

	// RetryAfter estimates when the window reopens. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits requests against persisted sliding windows.
type Limiter struct {
	records repository.RateLimitRepository
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter over the rate limit record store.
func NewLimiter(records repository.RateLimitRepository) *Limiter {
	return &Limiter{
		records: records,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the logger for the limiter.
func (l *Limiter) WithLogger(logger *slog.Logger) *Limiter {
	if logger != nil {
		l.logger = logger.With(slog.String("component", "ratelimit"))
	}
	return l
}

// WithClock overrides the time source. Tests use this to step the window.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Acquire admits and records one request for the resource, or reports when to
// retry. A disabled limit always admits without recording.
func (l *Limiter) Acquire(ctx context.Context, resource string, limit Limit) (Decision, error) {
	if !limit.Enabled() {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	since := now.Add(-limit.Window)

	count, err := l.records.CountSince(ctx, resource, since)
	if err != nil {
		return Decision{}, fmt.Errorf("checking rate limit window: %w", err)
	}
	if count >= int64(limit.Max) {
		retryAfter := limit.Window
		oldest, err := l.records.OldestSince(ctx, resource, since)
		if err != nil {
			return Decision{}, fmt.Errorf("finding window reopen time: %w", err)
		}
		if oldest != nil {
			retryAfter = limit.Window - now.Sub(*oldest)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		retryAfter += waitSlack
		l.logger.Debug("rate limit window full",
			slog.String("resource", resource),
			slog.Int64("count", count),
			slog.Int("max", limit.Max),
			slog.Duration("retry_after", retryAfter))
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	if err := l.records.Record(ctx, resource, now); err != nil {
		return Decision{}, fmt.Errorf("recording rate limit entry: %w", err)
	}
	return Decision{Allowed: true}, nil
}

// Wait blocks until the resource admits a request or ctx is done. Waits honor
// the window's own reopen estimate and add jitter so callers hitting the same
// closed window do not stampede it when it reopens.
func (l *Limiter) Wait(ctx context.Context, resource string, limit Limit) error {
	backoff := time.Second
	for {
		decision, err := l.Acquire(ctx, resource, limit)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}

		wait := decision.RetryAfter
		if wait <= 0 {
			wait = backoff
			if backoff *= 2; backoff > maxWaitBackoff {
				backoff = maxWaitBackoff
			}
		}
		wait += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))

		select {
		case <-ctx.Done():
			return faults.New(faults.KindCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Denied converts a closed-window decision into a retryable fault carrying
// the reopen hint. Callers that cannot block surface this instead of waiting.
func Denied(resource string, decision Decision) error {
	return faults.Newf(faults.KindRateLimited, "rate limit window for %s is full", resource).
		WithRetryAfter(decision.RetryAfter)
}

// GC prunes records older than horizon across all resources. Records outside
// the largest configured window are dead weight; horizon should comfortably
// exceed it.
func (l *Limiter) GC(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := l.now().Add(-horizon)
	pruned, err := l.records.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning rate limit records: %w", err)
	}
	if pruned > 0 {
		l.logger.Debug("pruned rate limit records",
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff))
	}
	return pruned, nil
}
