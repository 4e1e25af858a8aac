package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

// Matches "10/02/2026 17h05", "15/01/2026 - 14:30", "10/02/2026 17:05" and "10/02/2026".
const brDatePattern = `(\d{1,2})/(\d{1,2})/(\d{4})(?:\s*(?:-\s*)?(\d{1,2})\s*[h:]\s*(\d{2}))?`

var (
	brDateRe    = regexp.MustCompile(brDatePattern)
	publishedRe = regexp.MustCompile(`(?i)publicado\s+em:?\s*` + brDatePattern)
	updatedRe   = regexp.MustCompile(`(?i)atualizado\s+em:?\s*` + brDatePattern)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseBrazilianDate finds the first DD/MM/YYYY[ HH(h|:)MM] in s, interpreted in Brasília time.
func parseBrazilianDate(s string) (time.Time, bool) {
	return dateFromMatch(brDateRe.FindStringSubmatch(s))
}

func dateFromMatch(m []string) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, minute := 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, scraper.Brasilia)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return time.Time{}, false
	}
	return t, true
}

// parseISODate accepts ISO 8601 timestamps. Values without an offset are Brasília time.
func parseISODate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, scraper.Brasilia); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseAnyDate(s string) (time.Time, bool) {
	if t, ok := parseBrazilianDate(s); ok {
		return t, true
	}
	return parseISODate(s)
}

// dateText reads a date node, preferring a nested ".value" span and the
// datetime attribute of <time> elements.
func dateText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if dt := attr(s, "datetime"); dt != "" {
		return dt
	}
	if dt := attr(s.Find("time[datetime]").First(), "datetime"); dt != "" {
		return dt
	}
	if v := s.Find(".value").First(); v.Length() > 0 {
		if t := collapse(v.Text()); t != "" {
			return t
		}
	}
	return collapse(s.Text())
}

func publishedAt(doc *goquery.Document, sel scraper.Selectors, ref scraper.ArticleRef) (time.Time, error) {
	var unparsed string

	if raw := dateText(find(doc.Selection, sel.Date)); raw != "" {
		if t, ok := parseAnyDate(raw); ok {
			return t, nil
		}
		unparsed = raw
	}

	if t, ok := dateFromMatch(publishedRe.FindStringSubmatch(collapse(doc.Text()))); ok {
		return t, nil
	}

	if t, ok := jsonLDDate(doc, "datePublished"); ok {
		return t, nil
	}

	if raw := meta(doc, "article:published_time"); raw != "" {
		if t, ok := parseISODate(raw); ok {
			return t, nil
		}
		if unparsed == "" {
			unparsed = raw
		}
	}

	if ref.ListingDate != nil {
		return *ref.ListingDate, nil
	}
	if unparsed != "" {
		return time.Time{}, &scraper.ExtractError{Kind: scraper.ExtractDateParseFailure, Field: "published_at", Value: unparsed}
	}
	return time.Time{}, &scraper.ExtractError{Kind: scraper.ExtractMissingField, Field: "date"}
}

func updatedAt(doc *goquery.Document, sel scraper.Selectors) *time.Time {
	if raw := dateText(find(doc.Selection, sel.Updated)); raw != "" {
		if t, ok := parseAnyDate(raw); ok {
			return &t
		}
	}
	if t, ok := dateFromMatch(updatedRe.FindStringSubmatch(collapse(doc.Text()))); ok {
		return &t
	}
	if t, ok := jsonLDDate(doc, "dateModified"); ok {
		return &t
	}
	return nil
}

// jsonLDDate looks for key in every JSON-LD block, including @graph entries.
// Blocks that fail to decode are skipped.
func jsonLDDate(doc *goquery.Document, key string) (time.Time, bool) {
	var (
		found time.Time
		ok    bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		if raw := lookupString(payload, key); raw != "" {
			found, ok = parseISODate(raw)
		}
		return !ok
	})
	return found, ok
}

func lookupString(v any, key string) string {
	switch node := v.(type) {
	case map[string]any:
		if s, isString := node[key].(string); isString {
			return s
		}
		if graph, has := node["@graph"]; has {
			return lookupString(graph, key)
		}
	case []any:
		for _, item := range node {
			if s := lookupString(item, key); s != "" {
				return s
			}
		}
	}
	return ""
}
