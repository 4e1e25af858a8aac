// Package ratelimit implements a per-host token bucket shared by every agency worker.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
)

// Limiter spaces requests per host. Agencies that share infrastructure share a bucket.
type Limiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	intervals       map[string]time.Duration
	defaultInterval time.Duration
	burst           int
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval is the minimum gap between requests to a host without an override.
	DefaultInterval time.Duration
	Burst           int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.DefaultInterval
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		intervals:       make(map[string]time.Duration),
		defaultInterval: interval,
		burst:           burst,
	}
}

// SetHostInterval sets the interval for the host of rawURL. When several
// agencies on the same host configure different intervals the longest wins.
func (l *Limiter) SetHostInterval(rawURL string, interval time.Duration) {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.intervals[host]; ok && current >= interval {
		return
	}
	l.intervals[host] = interval
	if lim, ok := l.limiters[host]; ok {
		lim.SetLimit(limitFor(interval))
	}
}

// Interval reports the effective interval for the host of rawURL.
func (l *Limiter) Interval(rawURL string) time.Duration {
	host := hostOf(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intervalLocked(host)
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(limitFor(l.intervalLocked(host)), l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

func (l *Limiter) intervalLocked(host string) time.Duration {
	if interval, ok := l.intervals[host]; ok {
		return interval
	}
	return l.defaultInterval
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
