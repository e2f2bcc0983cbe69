package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransientNetwork, true},
		{KindTimeout, true},
		{KindRateLimited, true},
		{KindTransient5xx, true},
		{KindStalled, true},
		{KindPermanent, false},
		{KindNotFound, false},
		{KindForbidden, false},
		{KindInvalid, false},
		{KindCapacityRejected, false},
		{KindValidation, false},
		{KindCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
		})
	}
}

func TestConsumesAttempt(t *testing.T) {
	assert.False(t, KindCapacityRejected.ConsumesAttempt())
	assert.True(t, KindStalled.ConsumesAttempt())
	assert.True(t, KindPermanent.ConsumesAttempt())
	assert.True(t, KindTimeout.ConsumesAttempt())
}

func TestFaultErrorAndUnwrap(t *testing.T) {
	base := errors.New("connection reset by peer")
	f := New(KindTransientNetwork, base)

	assert.Contains(t, f.Error(), "transient_network")
	assert.Contains(t, f.Error(), "connection reset")
	assert.True(t, errors.Is(f, base))
}

func TestClassifyPassesThroughExistingFault(t *testing.T) {
	orig := Newf(KindRateLimited, "slow down").WithRetryAfter(5 * time.Second)
	wrapped := fmt.Errorf("searching indexer: %w", orig)

	got := Classify(wrapped)
	assert.Equal(t, KindRateLimited, got.Kind)
	assert.Equal(t, 5*time.Second, got.RetryAfter)
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, Classify(context.Canceled).Kind)
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded).Kind)
}

func TestClassifySyscallErrors(t *testing.T) {
	assert.Equal(t, KindTransientNetwork, Classify(syscall.ECONNREFUSED).Kind)
	assert.Equal(t, KindTransientNetwork, Classify(syscall.ECONNRESET).Kind)
}

func TestClassifyNetErrors(t *testing.T) {
	timeoutErr := &net.OpError{Op: "dial", Err: &timeoutError{}}
	assert.Equal(t, KindTimeout, Classify(timeoutErr).Kind)

	dnsErr := &net.DNSError{Err: "no such host", Name: "indexer.invalid"}
	assert.Equal(t, KindTransientNetwork, Classify(dnsErr).Kind)
}

func TestClassifyUnknownIsPermanent(t *testing.T) {
	got := Classify(errors.New("weird"))
	assert.Equal(t, KindPermanent, got.Kind)
	assert.False(t, got.Retryable())
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.False(t, IsRetryable(nil))
}

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusNotFound, KindNotFound},
		{http.StatusGone, KindNotFound},
		{http.StatusUnauthorized, KindForbidden},
		{http.StatusForbidden, KindForbidden},
		{http.StatusBadGateway, KindTransient5xx},
		{http.StatusServiceUnavailable, KindTransient5xx},
		{http.StatusGatewayTimeout, KindTransient5xx},
		{http.StatusInternalServerError, KindTransient5xx},
		{http.StatusBadRequest, KindInvalid},
		{http.StatusUnprocessableEntity, KindInvalid},
		{http.StatusConflict, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			f := FromStatusCode(tt.status, 0)
			require.NotNil(t, f)
			assert.Equal(t, tt.kind, f.Kind)
		})
	}
}

func TestFromStatusCodeSuccessIsNil(t *testing.T) {
	assert.Nil(t, FromStatusCode(http.StatusOK, 0))
	assert.Nil(t, FromStatusCode(http.StatusNoContent, 0))
	assert.Nil(t, FromStatusCode(http.StatusMovedPermanently, 0))
}

func TestFromStatusCodeCarriesRetryAfter(t *testing.T) {
	f := FromStatusCode(http.StatusTooManyRequests, 30*time.Second)
	require.NotNil(t, f)
	assert.Equal(t, 30*time.Second, f.RetryAfter)
	assert.Equal(t, 30*time.Second, RetryAfterHint(f))

	wrapped := fmt.Errorf("grabbing release: %w", f)
	assert.Equal(t, 30*time.Second, RetryAfterHint(wrapped))
}

func TestKindOfAndIsRetryable(t *testing.T) {
	assert.Equal(t, KindCapacityRejected, KindOf(New(KindCapacityRejected, errors.New("slots full"))))
	assert.True(t, IsRetryable(syscall.ECONNRESET))
	assert.False(t, IsRetryable(errors.New("bad config")))
}

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
