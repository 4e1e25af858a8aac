// Package sites loads the declarative per-agency scraping definitions.
package sites

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// DefaultCanonicalSelector locates the canonical link when a site does not override it.
const DefaultCanonicalSelector = "link[rel='canonical']"

type selectorsDoc struct {
	Title       string   `yaml:"title" json:"title"`
	Body        string   `yaml:"body" json:"body"`
	Date        string   `yaml:"date" json:"date"`
	Link        string   `yaml:"link" json:"link"`
	Canonical   string   `yaml:"canonical" json:"canonical"`
	ListingDate string   `yaml:"listing_date" json:"listing_date"`
	NextPage    string   `yaml:"next_page" json:"next_page"`
	Updated     string   `yaml:"updated" json:"updated"`
	Subtitle    string   `yaml:"subtitle" json:"subtitle"`
	Lead        string   `yaml:"lead" json:"lead"`
	Tags        string   `yaml:"tags" json:"tags"`
	Image       string   `yaml:"image" json:"image"`
	Video       string   `yaml:"video" json:"video"`
	Category    string   `yaml:"category" json:"category"`
	Strip       []string `yaml:"strip" json:"strip"`
}

type agencyDoc struct {
	Key             string       `yaml:"key" json:"key"`
	Name            string       `yaml:"name" json:"name"`
	BaseURL         string       `yaml:"base_url" json:"base_url"`
	ListingPattern  string       `yaml:"listing_pattern" json:"listing_pattern"`
	Pagination      string       `yaml:"pagination" json:"pagination"`
	PageSize        int          `yaml:"page_size" json:"page_size"`
	MaxPages        int          `yaml:"max_pages" json:"max_pages"`
	RateLimitMs     *int         `yaml:"rate_limit_ms" json:"rate_limit_ms"`
	Active          *bool        `yaml:"active" json:"active"`
	DisabledReason  string       `yaml:"disabled_reason" json:"disabled_reason"`
	DisabledDate    string       `yaml:"disabled_date" json:"disabled_date"`
	DefaultCategory string       `yaml:"default_category" json:"default_category"`
	Selectors       selectorsDoc `yaml:"selectors" json:"selectors"`
}

type fileDoc struct {
	Name     string      `yaml:"name" json:"name"`
	Defaults agencyDoc   `yaml:"defaults" json:"defaults"`
	Agencies []agencyDoc `yaml:"agencies" json:"agencies"`
}

// Registry is an immutable set of site configurations keyed by agency.
type Registry struct {
	name   string
	sites  map[string]scraper.SiteConfig
	keys   []string
	active []string
}

var _ scraper.Registry = (*Registry)(nil)

// Load reads and validates a registry file. The file name becomes the registry
// name unless the document sets one.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &scraper.ConfigError{Reason: "site config path is empty"}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &scraper.ConfigError{Source: path, Reason: "read file", Err: err}
	}
	return Parse(filepath.Base(path), raw, filepath.Ext(path))
}

// Parse decodes YAML or JSON site definitions, merges defaults and validates
// every agency. Any problem yields a *scraper.ConfigError.
func Parse(source string, data []byte, ext string) (*Registry, error) {
	doc, err := decode(data, ext)
	if err != nil {
		return nil, &scraper.ConfigError{Source: source, Reason: "decode", Err: err}
	}
	if len(doc.Agencies) == 0 {
		return nil, &scraper.ConfigError{Source: source, Reason: "no agencies defined"}
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = source
	}

	reg := &Registry{name: name, sites: make(map[string]scraper.SiteConfig, len(doc.Agencies))}
	for i, entry := range doc.Agencies {
		site, err := build(sanitize(entry), doc.Defaults)
		if err != nil {
			return nil, &scraper.ConfigError{Source: source, Agency: agencyLabel(entry.Key, i), Reason: err.Error()}
		}
		if _, dup := reg.sites[site.Key]; dup {
			return nil, &scraper.ConfigError{Source: source, Agency: site.Key, Reason: "duplicate agency key"}
		}
		reg.sites[site.Key] = site
		reg.keys = append(reg.keys, site.Key)
		if site.Active {
			reg.active = append(reg.active, site.Key)
		}
	}
	sort.Strings(reg.keys)
	sort.Strings(reg.active)
	return reg, nil
}

// Name identifies the registry in logs and validation messages.
func (r *Registry) Name() string {
	return r.name
}

// Lookup returns the configuration for key, active or not.
func (r *Registry) Lookup(key string) (scraper.SiteConfig, bool) {
	site, ok := r.sites[strings.TrimSpace(key)]
	return site, ok
}

// AllKeys returns the active agency keys in sorted order.
func (r *Registry) AllKeys() []string {
	return append([]string(nil), r.active...)
}

// Keys returns every agency key, including inactive ones.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Sites returns every configuration in key order.
func (r *Registry) Sites() []scraper.SiteConfig {
	out := make([]scraper.SiteConfig, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.sites[k])
	}
	return out
}

func decode(data []byte, ext string) (fileDoc, error) {
	var doc fileDoc
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fileDoc{}, fmt.Errorf("yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fileDoc{}, fmt.Errorf("json: %w", err)
		}
	default:
		return fileDoc{}, fmt.Errorf("unsupported extension %q (expected .yaml, .yml or .json)", ext)
	}
	return doc, nil
}

func sanitize(a agencyDoc) agencyDoc {
	a.Key = strings.TrimSpace(a.Key)
	a.Name = strings.TrimSpace(a.Name)
	a.BaseURL = strings.TrimSpace(a.BaseURL)
	a.ListingPattern = strings.TrimSpace(a.ListingPattern)
	a.Pagination = strings.TrimSpace(a.Pagination)
	a.DisabledReason = strings.TrimSpace(a.DisabledReason)
	a.DisabledDate = strings.TrimSpace(a.DisabledDate)
	a.DefaultCategory = strings.TrimSpace(a.DefaultCategory)
	return a
}

func build(a, defaults agencyDoc) (scraper.SiteConfig, error) {
	if a.Key == "" {
		return scraper.SiteConfig{}, errors.New("key is required")
	}
	if a.BaseURL == "" {
		return scraper.SiteConfig{}, errors.New("base_url is required")
	}
	base, err := url.Parse(a.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return scraper.SiteConfig{}, fmt.Errorf("base_url %q is not an absolute http(s) URL", a.BaseURL)
	}

	site := scraper.SiteConfig{
		Key:             a.Key,
		Name:            firstNonEmpty(a.Name, a.Key),
		BaseURL:         a.BaseURL,
		ListingPattern:  firstNonEmpty(a.ListingPattern, defaults.ListingPattern, "{base_url}"),
		Pagination:      scraper.PaginationStrategy(firstNonEmpty(a.Pagination, defaults.Pagination, string(scraper.PaginationNumberedPages))),
		PageSize:        firstPositive(a.PageSize, defaults.PageSize),
		MaxPages:        firstPositive(a.MaxPages, defaults.MaxPages),
		Selectors:       mergeSelectors(a.Selectors, defaults.Selectors),
		DefaultCategory: firstNonEmpty(a.DefaultCategory, defaults.DefaultCategory),
		Active:          true,
		DisabledReason:  a.DisabledReason,
		DisabledDate:    a.DisabledDate,
	}
	if a.Active != nil {
		site.Active = *a.Active
	} else if defaults.Active != nil {
		site.Active = *defaults.Active
	}

	rateLimit := a.RateLimitMs
	if rateLimit == nil {
		rateLimit = defaults.RateLimitMs
	}
	if rateLimit != nil {
		if *rateLimit < 0 {
			return scraper.SiteConfig{}, fmt.Errorf("rate_limit_ms must not be negative, got %d", *rateLimit)
		}
		site.RateLimit = time.Duration(*rateLimit) * time.Millisecond
	}

	if site.DisabledDate != "" {
		if _, err := time.Parse(scraper.DateLayout, site.DisabledDate); err != nil {
			return scraper.SiteConfig{}, fmt.Errorf("disabled_date %q is not YYYY-MM-DD", site.DisabledDate)
		}
	}

	switch site.Pagination {
	case scraper.PaginationNumberedPages:
		if !hasPagePlaceholder(site.ListingPattern) && !site.DatePartitioned() && site.Selectors.NextPage == "" {
			return scraper.SiteConfig{}, fmt.Errorf("listing_pattern %q has no page placeholder", site.ListingPattern)
		}
		if strings.Contains(site.ListingPattern, "{offset}") && site.PageSize <= 0 {
			return scraper.SiteConfig{}, errors.New("page_size is required when listing_pattern uses {offset}")
		}
	case scraper.PaginationNextLink:
		if site.Selectors.NextPage == "" {
			return scraper.SiteConfig{}, errors.New("next_link pagination requires a next_page selector")
		}
	default:
		return scraper.SiteConfig{}, fmt.Errorf("unknown pagination strategy %q", site.Pagination)
	}

	if err := validateSelectors(site.Selectors); err != nil {
		return scraper.SiteConfig{}, err
	}
	return site, nil
}

func mergeSelectors(s, d selectorsDoc) scraper.Selectors {
	strip := s.Strip
	if len(strip) == 0 {
		strip = d.Strip
	}
	return scraper.Selectors{
		Title:       firstNonEmpty(s.Title, d.Title),
		Body:        firstNonEmpty(s.Body, d.Body),
		Date:        firstNonEmpty(s.Date, d.Date),
		Link:        firstNonEmpty(s.Link, d.Link),
		Canonical:   firstNonEmpty(s.Canonical, d.Canonical, DefaultCanonicalSelector),
		ListingDate: firstNonEmpty(s.ListingDate, d.ListingDate),
		NextPage:    firstNonEmpty(s.NextPage, d.NextPage),
		Updated:     firstNonEmpty(s.Updated, d.Updated),
		Subtitle:    firstNonEmpty(s.Subtitle, d.Subtitle),
		Lead:        firstNonEmpty(s.Lead, d.Lead),
		Tags:        firstNonEmpty(s.Tags, d.Tags),
		Image:       firstNonEmpty(s.Image, d.Image),
		Video:       firstNonEmpty(s.Video, d.Video),
		Category:    firstNonEmpty(s.Category, d.Category),
		Strip:       append([]string(nil), strip...),
	}
}

func validateSelectors(s scraper.Selectors) error {
	required := []struct {
		field string
		value string
	}{
		{"title", s.Title},
		{"body", s.Body},
		{"date", s.Date},
		{"link", s.Link},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("selector %q is required", r.field)
		}
	}
	all := map[string]string{
		"title":        s.Title,
		"body":         s.Body,
		"date":         s.Date,
		"link":         s.Link,
		"canonical":    s.Canonical,
		"listing_date": s.ListingDate,
		"next_page":    s.NextPage,
		"updated":      s.Updated,
		"subtitle":     s.Subtitle,
		"lead":         s.Lead,
		"tags":         s.Tags,
		"image":        s.Image,
		"video":        s.Video,
		"category":     s.Category,
	}
	for i, sel := range s.Strip {
		all[fmt.Sprintf("strip[%d]", i)] = sel
	}
	for field, sel := range all {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("selector %q (%s) does not compile: %w", field, sel, err)
		}
	}
	return nil
}

func hasPagePlaceholder(pattern string) bool {
	return strings.Contains(pattern, "{page}") ||
		strings.Contains(pattern, "{page0}") ||
		strings.Contains(pattern, "{offset}")
}

func agencyLabel(key string, index int) string {
	if k := strings.TrimSpace(key); k != "" {
		return k
	}
	return fmt.Sprintf("agencies[%d]", index)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
