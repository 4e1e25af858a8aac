package scraper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryPolicy_IsTransient(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(RetryConfig{})
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "fetch timeout", err: &FetchError{Kind: FetchTimeout}, want: true},
		{name: "connection failed", err: &FetchError{Kind: FetchConnectionFailed}, want: true},
		{name: "server error", err: &FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusBadGateway}, want: true},
		{name: "throttled", err: &FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "not found", err: &FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusNotFound}, want: false},
		{name: "exhausted", err: &FetchError{Kind: FetchRetriesExhausted, StatusCode: http.StatusBadGateway}, want: false},
		{name: "timeout wrapping deadline", err: &FetchError{Kind: FetchTimeout, Err: context.DeadlineExceeded}, want: false},
		{name: "storage connection", err: &StorageError{Kind: StorageConnectionFailed}, want: true},
		{name: "storage query", err: &StorageError{Kind: StorageQueryFailed}, want: false},
		{name: "net timeout", err: timeoutErr{}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, policy.IsTransient(tc.err))
		})
	}
}

func TestRetryPolicy_ShouldRetryStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(RetryConfig{MaxAttempts: 2})
	err := &FetchError{Kind: FetchConnectionFailed}
	require.True(t, policy.ShouldRetry(err, 1))
	require.False(t, policy.ShouldRetry(err, 2))
	require.False(t, policy.ShouldRetry(&FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusNotFound}, 1))
}

func TestRetryPolicy_BackoffIsBounded(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for retry := range 6 {
		d := policy.Backoff(retry)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestRetryPolicy_BackoffForThrottling(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(RetryConfig{
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		RetryAfterCap: 3 * time.Second,
	})

	throttled := &FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second}
	require.Equal(t, 2*time.Second, policy.BackoffFor(throttled, 0))

	throttled.RetryAfter = time.Hour
	require.Equal(t, 3*time.Second, policy.BackoffFor(throttled, 0))

	throttled.RetryAfter = 0
	wait := policy.BackoffFor(throttled, 0)
	require.GreaterOrEqual(t, wait, 20*time.Millisecond)
	require.LessOrEqual(t, wait, 40*time.Millisecond)

	plain := &FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusServiceUnavailable, RetryAfter: time.Hour}
	require.LessOrEqual(t, policy.BackoffFor(plain, 0), 20*time.Millisecond)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
