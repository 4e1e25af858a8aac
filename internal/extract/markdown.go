package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// chromeSelector is removed from every body before conversion.
const chromeSelector = "script, style, noscript, nav, header, footer, aside, form, iframe, button"

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// markdown converts a detached copy of the body node, leaving the document intact.
func (e *Extractor) markdown(body *goquery.Selection, strip []string, source *url.URL) string {
	clone := body.First().Clone()
	clone.Find(chromeSelector).Remove()
	for _, sel := range strip {
		if strings.TrimSpace(sel) != "" {
			clone.Find(sel).Remove()
		}
	}
	absolutize(clone, source)

	e.mu.Lock()
	out := e.conv.Convert(clone)
	e.mu.Unlock()
	return cleanMarkdown(out)
}

func absolutize(s *goquery.Selection, source *url.URL) {
	rewrite := func(selector, name string) {
		s.Find(selector).Each(func(_ int, node *goquery.Selection) {
			if abs := resolve(source, attr(node, name)); abs != "" {
				node.SetAttr(name, abs)
			}
		})
	}
	rewrite("a[href]", "href")
	rewrite("img[src]", "src")
}

func cleanMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessiveLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
