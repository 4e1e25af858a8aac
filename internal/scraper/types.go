// Package scraper defines the ingestion engine: core types, the error taxonomy,
// collaborator contracts and the coordinator that drives a scrape request.
package scraper

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Brasilia is the fixed UTC-3 zone used by gov.br and EBC pages.
var Brasilia = time.FixedZone("BRT", -3*60*60)

// DateLayout is the ISO 8601 calendar date format used at the boundary.
const DateLayout = "2006-01-02"

// PaginationStrategy selects how listing pages are traversed.
type PaginationStrategy string

// Supported pagination strategies.
const (
	PaginationNumberedPages PaginationStrategy = "numbered_pages"
	PaginationNextLink      PaginationStrategy = "next_link"
)

// Selectors holds the CSS selectors that drive extraction for one agency.
type Selectors struct {
	Title       string   `yaml:"title" json:"title"`
	Body        string   `yaml:"body" json:"body"`
	Date        string   `yaml:"date" json:"date"`
	Link        string   `yaml:"link" json:"link"`
	Canonical   string   `yaml:"canonical" json:"canonical,omitempty"`
	ListingDate string   `yaml:"listing_date" json:"listing_date,omitempty"`
	NextPage    string   `yaml:"next_page" json:"next_page,omitempty"`
	Updated     string   `yaml:"updated" json:"updated,omitempty"`
	Subtitle    string   `yaml:"subtitle" json:"subtitle,omitempty"`
	Lead        string   `yaml:"lead" json:"lead,omitempty"`
	Tags        string   `yaml:"tags" json:"tags,omitempty"`
	Image       string   `yaml:"image" json:"image,omitempty"`
	Video       string   `yaml:"video" json:"video,omitempty"`
	Category    string   `yaml:"category" json:"category,omitempty"`
	Strip       []string `yaml:"strip" json:"strip,omitempty"`
}

// SiteConfig is the immutable scraping definition of one agency.
type SiteConfig struct {
	Key             string
	Name            string
	BaseURL         string
	ListingPattern  string
	Pagination      PaginationStrategy
	PageSize        int
	MaxPages        int
	RateLimit       time.Duration
	Selectors       Selectors
	DefaultCategory string
	Active          bool
	DisabledReason  string
	DisabledDate    string
}

// DatePartitioned reports whether the listing pattern is keyed by calendar date.
func (s SiteConfig) DatePartitioned() bool {
	return strings.Contains(s.ListingPattern, "{date}") || strings.Contains(s.ListingPattern, "{date_br}")
}

// ListingURL renders the listing pattern for a 1-based page number and an optional day.
func (s SiteConfig) ListingURL(page int, day time.Time) string {
	if page < 1 {
		page = 1
	}
	replacements := []string{
		"{base_url}", strings.TrimRight(s.BaseURL, "/"),
		"{page}", strconv.Itoa(page),
		"{page0}", strconv.Itoa(page - 1),
		"{offset}", strconv.Itoa((page - 1) * s.PageSize),
	}
	if !day.IsZero() {
		replacements = append(replacements,
			"{date}", day.Format(DateLayout),
			"{date_br}", day.Format("02/01/2006"),
		)
	}
	return strings.NewReplacer(replacements...).Replace(s.ListingPattern)
}

// NewsItem is one normalized article.
type NewsItem struct {
	UniqueID      string     `json:"unique_id"`
	AgencyKey     string     `json:"agency_key"`
	SourceURL     string     `json:"source_url"`
	Title         string     `json:"title"`
	Subtitle      string     `json:"subtitle,omitempty"`
	EditorialLead string     `json:"editorial_lead,omitempty"`
	Body          string     `json:"body"`
	Category      string     `json:"category,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	VideoURL      string     `json:"video_url,omitempty"`
	PublishedAt   time.Time  `json:"published_at"`
	UpdatedAt     *time.Time `json:"updated_datetime,omitempty"`
	ExtractedAt   time.Time  `json:"extracted_at"`
	ContentHash   string     `json:"content_hash"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// Page is the raw result of a single successful fetch.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ArticleRef points at an article discovered on a listing page.
type ArticleRef struct {
	URL         string
	ListingDate *time.Time
}

// Listing is the ordered set of article links found on one listing page.
type Listing struct {
	Links []ArticleRef
}

// PageDescriptor identifies one listing page during traversal. URL is the
// address built from the listing pattern; FetchedURL is where the fetch landed
// after redirects.
type PageDescriptor struct {
	Number     int
	Date       time.Time
	URL        string
	FetchedURL string
}

// Base is the address relative links on the page resolve against.
func (p PageDescriptor) Base() string {
	if p.FetchedURL != "" {
		return p.FetchedURL
	}
	return p.URL
}

// Is reports whether rawURL names this page, before or after redirects.
func (p PageDescriptor) Is(rawURL string) bool {
	return rawURL == p.URL || (p.FetchedURL != "" && rawURL == p.FetchedURL)
}

// Label renders the page for failure records.
func (p PageDescriptor) Label() string {
	if p.Date.IsZero() {
		return "page " + strconv.Itoa(p.Number)
	}
	return p.Date.Format(DateLayout) + " page " + strconv.Itoa(p.Number)
}

// DateRange is an inclusive range of calendar days in Brasília time.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days lists each calendar day of the range in order.
func (r DateRange) Days() []time.Time {
	var days []time.Time
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !r.Before(t) && !r.After(t)
}

// Before reports whether t falls on a day earlier than the range start.
func (r DateRange) Before(t time.Time) bool {
	return calendarDay(t).Before(r.Start)
}

// After reports whether t falls on a day later than the range end.
func (r DateRange) After(t time.Time) bool {
	return calendarDay(t).After(r.End)
}

func calendarDay(t time.Time) time.Time {
	local := t.In(Brasilia)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Brasilia)
}

// FingerprintIndex maps article fingerprints to their stored content hash.
type FingerprintIndex map[string]string

// Clone copies the index so a worker can extend it privately.
func (idx FingerprintIndex) Clone() FingerprintIndex {
	out := make(FingerprintIndex, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

// Classification is the dedup verdict for a candidate.
type Classification int

// Dedup verdicts.
const (
	ClassNew Classification = iota
	ClassUnchanged
	ClassChanged
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassUnchanged:
		return "unchanged"
	case ClassChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// UpsertResult reports what a storage write did.
type UpsertResult int

// Storage write results.
const (
	UpsertInserted UpsertResult = iota
	UpsertUpdated
	UpsertSkippedExisting
	UpsertUnchanged
	// UpsertConflict means an insert found the URL already stored. The caller
	// re-classifies against the stored row.
	UpsertConflict
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	case UpsertSkippedExisting:
		return "skipped_existing"
	case UpsertUnchanged:
		return "unchanged"
	case UpsertConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// UpsertRequest carries one classified item to storage.
type UpsertRequest struct {
	Item        NewsItem
	Class       Classification
	AllowUpdate bool
}

// WriteAction is the storage operation required for an UpsertRequest.
type WriteAction int

// Storage operations.
const (
	WriteNone WriteAction = iota
	WriteInsert
	WriteUpdate
)

// PlanWrite decides the write for a classification. When no write is needed the
// returned result is final.
func PlanWrite(class Classification, allowUpdate bool) (WriteAction, UpsertResult) {
	switch class {
	case ClassNew:
		return WriteInsert, UpsertInserted
	case ClassChanged:
		if !allowUpdate {
			return WriteNone, UpsertSkippedExisting
		}
		return WriteUpdate, UpsertUpdated
	default:
		return WriteNone, UpsertUnchanged
	}
}
