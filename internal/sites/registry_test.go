package sites

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

const govbrFixture = `
defaults:
  pagination: numbered_pages
  page_size: 30
  rate_limit_ms: 500
  listing_pattern: "{base_url}?b_start:int={offset}"
  selectors:
    title: "h1.documentFirstHeading"
    body: "#parent-fieldname-text"
    date: ".documentPublished"
    link: "article.tileItem h2 a"
    listing_date: "span.summary-view-icon"
    strip: [".social-links"]
agencies:
  - key: mec
    name: Ministério da Educação
    base_url: https://www.gov.br/mec/pt-br/assuntos/noticias
    rate_limit_ms: 750
    max_pages: 20
  - key: saude
    base_url: https://www.gov.br/saude/pt-br/assuntos/noticias
    selectors:
      body: "div.content-core"
  - key: cgu
    base_url: https://www.gov.br/cgu/pt-br/assuntos/noticias
    active: false
    disabled_reason: "site fora do ar"
    disabled_date: "2025-01-15"
`

func TestParse_MergesDefaults(t *testing.T) {
	t.Parallel()

	reg, err := Parse("site_urls.yaml", []byte(govbrFixture), ".yaml")
	require.NoError(t, err)

	require.Equal(t, "site_urls.yaml", reg.Name())
	require.Equal(t, []string{"mec", "saude"}, reg.AllKeys())
	require.Equal(t, []string{"cgu", "mec", "saude"}, reg.Keys())
	require.Len(t, reg.Sites(), 3)

	mec, ok := reg.Lookup("mec")
	require.True(t, ok)
	require.Equal(t, "Ministério da Educação", mec.Name)
	require.Equal(t, 750*time.Millisecond, mec.RateLimit)
	require.Equal(t, 20, mec.MaxPages)
	require.Equal(t, 30, mec.PageSize)
	require.Equal(t, scraper.PaginationNumberedPages, mec.Pagination)
	require.Equal(t, DefaultCanonicalSelector, mec.Selectors.Canonical)
	require.Equal(t, []string{".social-links"}, mec.Selectors.Strip)
	require.Equal(t, "https://www.gov.br/mec/pt-br/assuntos/noticias?b_start:int=30", mec.ListingURL(2, time.Time{}))

	saude, ok := reg.Lookup("saude")
	require.True(t, ok)
	require.Equal(t, "saude", saude.Name)
	require.Equal(t, "div.content-core", saude.Selectors.Body)
	require.Equal(t, "h1.documentFirstHeading", saude.Selectors.Title)
	require.Equal(t, 500*time.Millisecond, saude.RateLimit)

	cgu, ok := reg.Lookup("cgu")
	require.True(t, ok)
	require.False(t, cgu.Active)
	require.Equal(t, "site fora do ar", cgu.DisabledReason)

	_, ok = reg.Lookup("nope")
	require.False(t, ok)
}

func TestParse_JSON(t *testing.T) {
	t.Parallel()

	doc := `{"name":"ebc","agencies":[{"key":"tvbrasil","base_url":"https://tvbrasil.ebc.com.br/noticias",
"pagination":"next_link","default_category":"Notícias",
"selectors":{"title":"h1","body":"article","date":"time","link":"a.card","next_page":"a.next"}}]}`
	reg, err := Parse("ebc_urls.json", []byte(doc), ".json")
	require.NoError(t, err)
	require.Equal(t, "ebc", reg.Name())
	site, ok := reg.Lookup("tvbrasil")
	require.True(t, ok)
	require.Equal(t, scraper.PaginationNextLink, site.Pagination)
	require.Equal(t, "Notícias", site.DefaultCategory)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	const selectors = `
    selectors: {title: h1, body: article, date: time, link: a}`
	tests := []struct {
		name string
		doc  string
		ext  string
	}{
		{name: "malformed yaml", doc: "agencies: [", ext: ".yaml"},
		{name: "unknown extension", doc: "agencies: []", ext: ".toml"},
		{name: "no agencies", doc: "agencies: []", ext: ".yaml"},
		{name: "missing key", doc: "agencies:\n  - base_url: https://a.gov.br/{page}" + selectors, ext: ".yaml"},
		{name: "missing base url", doc: "agencies:\n  - key: a" + selectors, ext: ".yaml"},
		{name: "relative base url", doc: "agencies:\n  - key: a\n    base_url: /noticias" + selectors, ext: ".yaml"},
		{
			name: "duplicate key",
			doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    listing_pattern: '{base_url}?p={page}'" + selectors +
				"\n  - key: a\n    base_url: https://b.gov.br\n    listing_pattern: '{base_url}?p={page}'" + selectors,
			ext: ".yaml",
		},
		{name: "missing selector", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    listing_pattern: '{base_url}?p={page}'\n    selectors: {title: h1}", ext: ".yaml"},
		{name: "bad selector", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    listing_pattern: '{base_url}?p={page}'\n    selectors: {title: 'h1[', body: b, date: d, link: a}", ext: ".yaml"},
		{name: "unknown pagination", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    pagination: infinite" + selectors, ext: ".yaml"},
		{name: "next link without selector", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    pagination: next_link" + selectors, ext: ".yaml"},
		{name: "no page placeholder", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br" + selectors, ext: ".yaml"},
		{name: "negative rate limit", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    listing_pattern: '{base_url}?p={page}'\n    rate_limit_ms: -1" + selectors, ext: ".yaml"},
		{name: "bad disabled date", doc: "agencies:\n  - key: a\n    base_url: https://a.gov.br\n    listing_pattern: '{base_url}?p={page}'\n    disabled_date: 15/01/2025" + selectors, ext: ".yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("test.yaml", []byte(tc.doc), tc.ext)
			var cfgErr *scraper.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, "test.yaml", cfgErr.Source)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "site_urls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(govbrFixture), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "site_urls.yaml", reg.Name())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	var cfgErr *scraper.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = Load("")
	require.ErrorAs(t, err, &cfgErr)
}

func TestBundledConfigsLoad(t *testing.T) {
	t.Parallel()

	govbr, err := Load(filepath.Join("..", "..", "configs", "site_urls.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, govbr.AllKeys())

	ebc, err := Load(filepath.Join("..", "..", "configs", "ebc_urls.yaml"))
	require.NoError(t, err)
	require.Equal(t, []string{"agencia_brasil", "tvbrasil"}, ebc.AllKeys())
}
