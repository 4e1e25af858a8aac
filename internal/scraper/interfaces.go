package scraper

import (
	"context"
	"io"
	"time"
)

// Registry resolves agency keys to site configuration.
type Registry interface {
	Name() string
	Lookup(key string) (SiteConfig, bool)
	AllKeys() []string
}

// Fetcher retrieves one page with rate limiting and retries.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns raw HTML into listings, pagination decisions and articles.
type Extractor interface {
	ExtractListing(raw []byte, site SiteConfig, pageURL string) (Listing, error)
	HasNextPage(raw []byte, site SiteConfig, current PageDescriptor) (PageDescriptor, bool)
	ExtractArticle(raw []byte, site SiteConfig, ref ArticleRef) (NewsItem, error)
}

// Classifier decides whether a candidate is new, unchanged or changed.
type Classifier interface {
	Classify(candidate NewsItem, index FingerprintIndex) Classification
}

// Store persists articles idempotently.
type Store interface {
	Ping(ctx context.Context) error
	LoadFingerprintIndex(ctx context.Context, agency string, window DateRange) (FingerprintIndex, error)
	StoredHash(ctx context.Context, agency, sourceURL string) (hash string, found bool, err error)
	Upsert(ctx context.Context, req UpsertRequest) (UpsertResult, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier announces newly inserted articles. Failures never propagate.
type Notifier interface {
	NotifyScraped(ctx context.Context, agency string, items []NewsItem) int
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
