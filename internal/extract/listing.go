package extract

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// maxListingDateDepth bounds the ancestor walk that pairs a link with its date.
const maxListingDateDepth = 6

// ExtractListing returns the article links of a listing page in document order.
func (e *Extractor) ExtractListing(raw []byte, site scraper.SiteConfig, pageURL string) (scraper.Listing, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return scraper.Listing{}, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return scraper.Listing{}, &scraper.ExtractError{Kind: scraper.ExtractMalformedMarkup, Field: "url", Value: pageURL, Err: err}
	}
	return scraper.Listing{Links: collectLinks(doc, site, base)}, nil
}

// HasNextPage decides whether traversal continues after current and where.
func (e *Extractor) HasNextPage(raw []byte, site scraper.SiteConfig, current scraper.PageDescriptor) (scraper.PageDescriptor, bool) {
	doc, err := parseDocument(raw)
	if err != nil {
		return scraper.PageDescriptor{}, false
	}
	base, err := url.Parse(current.Base())
	if err != nil {
		return scraper.PageDescriptor{}, false
	}

	var next string
	switch site.Pagination {
	case scraper.PaginationNextLink:
		next = resolve(base, linkHref(find(doc.Selection, site.Selectors.NextPage)))
	default:
		if strings.TrimSpace(site.Selectors.NextPage) != "" {
			if doc.Find(site.Selectors.NextPage).Length() == 0 {
				return scraper.PageDescriptor{}, false
			}
		} else if site.PageSize <= 0 || len(collectLinks(doc, site, base)) < site.PageSize {
			return scraper.PageDescriptor{}, false
		}
		next = site.ListingURL(current.Number+1, current.Date)
	}
	if next == "" || current.Is(next) {
		return scraper.PageDescriptor{}, false
	}
	return scraper.PageDescriptor{Number: current.Number + 1, Date: current.Date, URL: next}, true
}

func collectLinks(doc *goquery.Document, site scraper.SiteConfig, base *url.URL) []scraper.ArticleRef {
	if strings.TrimSpace(site.Selectors.Link) == "" {
		return nil
	}
	var refs []scraper.ArticleRef
	seen := map[string]struct{}{}
	doc.Find(site.Selectors.Link).Each(func(_ int, node *goquery.Selection) {
		link := resolve(base, linkHref(node))
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		ref := scraper.ArticleRef{URL: link}
		if d, ok := listingDate(node, site.Selectors.ListingDate); ok {
			ref.ListingDate = &d
		}
		refs = append(refs, ref)
	})
	return refs
}

// linkHref reads href from the node or its first descendant anchor.
func linkHref(node *goquery.Selection) string {
	if node.Length() == 0 {
		return ""
	}
	if href := attr(node, "href"); href != "" {
		return href
	}
	return attr(node.Find("a[href]").First(), "href")
}

// listingDate walks up from the link to the closest ancestor holding exactly
// one date node. An ancestor with several dates spans more than one item.
func listingDate(node *goquery.Selection, selector string) (time.Time, bool) {
	if strings.TrimSpace(selector) == "" {
		return time.Time{}, false
	}
	current := node
	for depth := 0; depth <= maxListingDateDepth && current.Length() > 0; depth++ {
		matches := current.Find(selector)
		switch {
		case matches.Length() == 1:
			t, ok := parseAnyDate(dateText(matches))
			if !ok {
				return time.Time{}, false
			}
			local := t.In(scraper.Brasilia)
			return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, scraper.Brasilia), true
		case matches.Length() > 1:
			return time.Time{}, false
		}
		current = current.Parent()
	}
	return time.Time{}, false
}
