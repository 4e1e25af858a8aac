package scraper

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// RetryConfig tunes RetryPolicy. Zero values fall back to defaults.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RetryAfterCap time.Duration
}

// RetryPolicy implements bounded exponential backoff with jitter.
type RetryPolicy struct {
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	retryAfterCap time.Duration
}

// NewRetryPolicy builds a policy, filling unset fields with sane defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:   3,
		baseDelay:     250 * time.Millisecond,
		maxDelay:      5 * time.Second,
		retryAfterCap: time.Minute,
	}
	if cfg.MaxAttempts > 0 {
		p.maxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.baseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.maxDelay = cfg.MaxDelay
	}
	if cfg.RetryAfterCap > 0 {
		p.retryAfterCap = cfg.RetryAfterCap
	}
	return p
}

// IsTransient reports whether err is worth another attempt.
func (p *RetryPolicy) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case FetchTimeout, FetchConnectionFailed:
			return true
		case FetchHTTPStatus:
			return fetchErr.StatusCode == http.StatusTooManyRequests || fetchErr.StatusCode >= http.StatusInternalServerError
		default:
			return false
		}
	}
	if IsStorageConnection(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ShouldRetry decides whether another attempt follows attempt (1-based).
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.IsTransient(err)
}

// Backoff returns the wait duration after the given 0-based retry index.
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retry))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// BackoffFor adapts Backoff to the failure: throttled responses wait longer and
// honor Retry-After up to the configured cap.
func (p *RetryPolicy) BackoffFor(err error, retry int) time.Duration {
	wait := p.Backoff(retry)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusTooManyRequests {
		return wait
	}
	wait *= 4
	if fetchErr.RetryAfter > wait {
		wait = fetchErr.RetryAfter
	}
	if wait > p.retryAfterCap {
		wait = p.retryAfterCap
	}
	return wait
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
