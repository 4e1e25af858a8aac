// Package extract turns gov.br and EBC pages into listings and normalized news items.
// Every agency goes through the same code path; only the selectors differ.
package extract

import (
	"bytes"
	"net/url"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/hash/sha256"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// Extractor implements scraper.Extractor. It is safe for concurrent use.
type Extractor struct {
	mu   sync.Mutex
	conv *md.Converter
}

var _ scraper.Extractor = (*Extractor)(nil)

// New builds an Extractor with a GitHub-flavored markdown converter.
func New() *Extractor {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Extractor{conv: conv}
}

// ExtractArticle parses one article page. ref supplies the source URL and the
// listing date used as the last publish-date fallback.
func (e *Extractor) ExtractArticle(raw []byte, site scraper.SiteConfig, ref scraper.ArticleRef) (scraper.NewsItem, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return scraper.NewsItem{}, err
	}
	source, err := url.Parse(ref.URL)
	if err != nil {
		return scraper.NewsItem{}, &scraper.ExtractError{Kind: scraper.ExtractMalformedMarkup, Field: "url", Value: ref.URL, Err: err}
	}
	sel := site.Selectors

	title := text(find(doc.Selection, sel.Title))
	if title == "" {
		title = meta(doc, "og:title")
	}
	if title == "" {
		return scraper.NewsItem{}, &scraper.ExtractError{Kind: scraper.ExtractMissingField, Field: "title"}
	}

	bodyNode := find(doc.Selection, sel.Body)
	if bodyNode.Length() == 0 {
		return scraper.NewsItem{}, &scraper.ExtractError{Kind: scraper.ExtractMissingField, Field: "body"}
	}
	body := e.markdown(bodyNode, sel.Strip, source)
	if body == "" {
		return scraper.NewsItem{}, &scraper.ExtractError{Kind: scraper.ExtractMissingField, Field: "body"}
	}

	published, err := publishedAt(doc, sel, ref)
	if err != nil {
		return scraper.NewsItem{}, err
	}

	canonical := canonicalURL(doc, sel, source)
	item := scraper.NewsItem{
		UniqueID:      sha256.Fingerprint(site.Key, canonical),
		AgencyKey:     site.Key,
		SourceURL:     canonical,
		Title:         title,
		Subtitle:      text(find(doc.Selection, sel.Subtitle)),
		EditorialLead: text(find(doc.Selection, sel.Lead)),
		Body:          body,
		Category:      text(find(doc.Selection, sel.Category)),
		Tags:          tags(doc, sel.Tags),
		ImageURL:      imageURL(doc, sel.Image, source),
		VideoURL:      mediaURL(find(doc.Selection, sel.Video), source),
		PublishedAt:   published,
		UpdatedAt:     updatedAt(doc, sel),
		ContentHash:   sha256.ContentHash(title, body),
	}
	if item.Category == "" {
		item.Category = site.DefaultCategory
	}
	return item, nil
}

func parseDocument(raw []byte) (*goquery.Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &scraper.ExtractError{Kind: scraper.ExtractMalformedMarkup, Field: "document", Value: "empty"}
	}
	if !bytes.Contains(trimmed, []byte("<")) {
		return nil, &scraper.ExtractError{Kind: scraper.ExtractMalformedMarkup, Field: "document", Value: "not html"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return nil, &scraper.ExtractError{Kind: scraper.ExtractMalformedMarkup, Field: "document", Err: err}
	}
	return doc, nil
}

// find returns the first match of selector, or an empty selection when the
// selector is unset.
func find(s *goquery.Selection, selector string) *goquery.Selection {
	if strings.TrimSpace(selector) == "" {
		return s.Slice(0, 0)
	}
	return s.Find(selector).First()
}

func text(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	return collapse(s.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func meta(doc *goquery.Document, property string) string {
	for _, attr := range []string{"property", "name"} {
		if v, ok := doc.Find("meta[" + attr + "='" + property + "']").First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func canonicalURL(doc *goquery.Document, sel scraper.Selectors, source *url.URL) string {
	candidates := []string{
		attr(find(doc.Selection, sel.Canonical), "href"),
		meta(doc, "og:url"),
	}
	for _, c := range candidates {
		if u := resolve(source, c); u != "" {
			return u
		}
	}
	return normalizeURL(source)
}

func tags(doc *goquery.Document, selector string) []string {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		tag := collapse(s.Text())
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	})
	return out
}

func imageURL(doc *goquery.Document, selector string, source *url.URL) string {
	if u := mediaURL(find(doc.Selection, selector), source); u != "" {
		return u
	}
	return resolve(source, meta(doc, "og:image"))
}

// mediaURL reads the usual source attributes of img, iframe, video, a and meta nodes.
func mediaURL(s *goquery.Selection, source *url.URL) string {
	if s.Length() == 0 {
		return ""
	}
	for _, name := range []string{"src", "data-src", "href", "content"} {
		if u := resolve(source, attr(s, name)); u != "" {
			return u
		}
	}
	if nested := s.Find("img[src], source[src], iframe[src]").First(); nested.Length() > 0 {
		return resolve(source, attr(nested, "src"))
	}
	return ""
}

func attr(s *goquery.Selection, name string) string {
	if s.Length() == 0 {
		return ""
	}
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

// resolve turns href into an absolute http(s) URL without fragment. It returns
// "" for empty, script or mail links.
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return normalizeURL(abs)
}

func normalizeURL(u *url.URL) string {
	out := *u
	out.Fragment = ""
	out.RawFragment = ""
	out.Host = strings.ToLower(out.Host)
	return out.String()
}
