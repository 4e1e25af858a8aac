// Package collyfetcher implements scraper.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

const (
	defaultUserAgent = "DestaquesGovBr-Scraper/1.0 (+https://github.com/destaquesgovbr)"
	defaultTimeout   = 20 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds a single attempt, independent of the caller's deadline.
	Timeout time.Duration
}

// Limiter spaces requests to a host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements scraper.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	retry         *scraper.RetryPolicy
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ scraper.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter and retry may be nil.
func New(cfg Config, limiter Limiter, retry *scraper.RetryPolicy, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if retry == nil {
		retry = scraper.NewRetryPolicy(scraper.RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Clones share the base collector's HTTP backend, so transport and timeout are set once here.
	c := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	transport := newHTTPTransport()
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		retry:         retry,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves rawURL, waiting on the host limiter before every attempt and
// retrying transient failures with backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scraper.Page, error) {
	if err := validateURL(rawURL); err != nil {
		return scraper.Page{}, &scraper.FetchError{Kind: scraper.FetchConnectionFailed, URL: rawURL, Err: err}
	}
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				return scraper.Page{}, &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Attempts: attempt, Err: err}
			}
		}

		page, fetchErr := f.attempt(ctx, rawURL)
		if fetchErr == nil {
			return page, nil
		}
		fetchErr.Attempts = attempt

		if ctx.Err() != nil {
			return scraper.Page{}, &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Attempts: attempt, Err: ctx.Err()}
		}
		if !f.retry.ShouldRetry(fetchErr, attempt) {
			if attempt == 1 || !f.retry.IsTransient(fetchErr) {
				return scraper.Page{}, fetchErr
			}
			return scraper.Page{}, &scraper.FetchError{
				Kind:       scraper.FetchRetriesExhausted,
				URL:        rawURL,
				StatusCode: fetchErr.StatusCode,
				Attempts:   attempt,
				Err:        fetchErr,
			}
		}

		wait := f.retry.BackoffFor(fetchErr, attempt-1)
		metrics.ObserveFetchRetry(rawURL, string(fetchErr.Kind))
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("status", fetchErr.StatusCode),
			zap.String("kind", string(fetchErr.Kind)),
			zap.Duration("backoff", wait),
		)
		if err := scraper.SleepContext(ctx, wait); err != nil {
			return scraper.Page{}, &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Attempts: attempt, Err: err}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (scraper.Page, *scraper.FetchError) {
	var (
		page      scraper.Page
		responded bool
		hookErr   error
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, start, &page, &responded, &hookErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		return scraper.Page{}, &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Err: ctx.Err()}
	case visitErr = <-done:
	}
	metrics.ObserveFetch(rawURL, time.Since(start))

	if visitErr == nil {
		visitErr = hookErr
	}
	if visitErr != nil {
		return scraper.Page{}, classifyTransportError(ctx, rawURL, visitErr)
	}
	if !responded {
		return scraper.Page{}, &scraper.FetchError{
			Kind: scraper.FetchConnectionFailed,
			URL:  rawURL,
			Err:  errors.New("no response received"),
		}
	}
	if page.StatusCode < http.StatusOK || page.StatusCode >= http.StatusMultipleChoices {
		return scraper.Page{}, &scraper.FetchError{
			Kind:       scraper.FetchHTTPStatus,
			URL:        rawURL,
			StatusCode: page.StatusCode,
			RetryAfter: parseRetryAfter(page.Header.Get("Retry-After"), time.Now()),
		}
	}
	return page, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *scraper.Page,
	responded *bool,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.5")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*responded = true
		*page = scraper.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// classifyTransportError maps a failed round trip. Per-attempt timeouts are
// detached from context errors so the retry policy treats them as transient.
func classifyTransportError(ctx context.Context, rawURL string, err error) *scraper.FetchError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Err: ctxErr}
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &scraper.FetchError{Kind: scraper.FetchTimeout, URL: rawURL, Err: errors.New(err.Error())}
	}
	return &scraper.FetchError{Kind: scraper.FetchConnectionFailed, URL: rawURL, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("unsupported url %q", rawURL)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
