package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/config"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/events"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/sites"
)

const listingPage = `<html><body>
<article class="tileItem">
  <a class="summary url" href="/mec/noticias/2026/02/mec-anuncia">MEC anuncia</a>
  <span class="documentByLine"><span class="date">10/02/2026</span></span>
</article>
<article class="tileItem">
  <a class="summary url" href="/mec/noticias/2026/02/antiga">Antiga</a>
  <span class="documentByLine"><span class="date">01/02/2026</span></span>
</article>
</body></html>`

const articlePage = `<html><body>
<h1 class="documentFirstHeading">MEC anuncia novo programa</h1>
<span class="documentPublished">Publicado em 10/02/2026 17h05</span>
<div id="parent-fieldname-text"><p>Programa amplia vagas no ensino técnico.</p></div>
</body></html>`

const registryTemplate = `name: %s
agencies:
  - key: %s
    name: %s
    base_url: %s
    listing_pattern: "{base_url}?b_start:int={offset}"
    page_size: 30
    rate_limit_ms: 0
    selectors:
      link: "article.tileItem a.summary.url"
      listing_date: "span.documentByLine span.date"
      title: "h1.documentFirstHeading"
      body: "#parent-fieldname-text"
      date: "span.documentPublished"
`

type hookRecorder struct {
	mu     sync.Mutex
	events []events.NewsScraped
	topics []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	evt, err := events.Decode(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.topics = append(h.topics, r.Header.Get("X-Topic"))
	h.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (h *hookRecorder) snapshot() ([]events.NewsScraped, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.NewsScraped(nil), h.events...), append([]string(nil), h.topics...)
}

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/mec/noticias", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, listingPage)
	})
	mux.HandleFunc("/mec/noticias/2026/02/mec-anuncia", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, articlePage)
	})
	mux.HandleFunc("/ebc/ultimas", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><body></body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeRegistry(t *testing.T, dir, name, key, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	doc := fmt.Sprintf(registryTemplate, name, key, strings.ToUpper(key), baseURL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func testConfig(t *testing.T, siteURL, hookURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second},
		Sites: config.SitesConfig{
			GovBRPath: writeRegistry(t, dir, "site_urls.yaml", "mec", siteURL+"/mec/noticias"),
			EBCPath:   writeRegistry(t, dir, "ebc_urls.yaml", "agencia_brasil", siteURL+"/ebc/ultimas"),
		},
		Scraper: config.ScraperConfig{
			Concurrency:    2,
			MaxPages:       5,
			RunTimeout:     30 * time.Second,
			StorageRetries: 1,
			NotifyTimeout:  5 * time.Second,
		},
		HTTP: config.HTTPConfig{
			UserAgent:      "scraper-test",
			Timeout:        5 * time.Second,
			MaxAttempts:    1,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
		DB:      config.DBConfig{Table: "news"},
		Webhook: config.WebhookConfig{URL: hookURL, Timeout: 5 * time.Second},
		Archive: config.ArchiveConfig{Backend: config.ArchiveMemory, Prefix: "raw"},
	}
}

func TestScrapeEndToEnd(t *testing.T) {
	site := newSiteServer(t)
	hook := &hookRecorder{}
	hookSrv := httptest.NewServer(hook)
	t.Cleanup(hookSrv.Close)

	app, err := BuildWithLogger(context.Background(), testConfig(t, site.URL, hookSrv.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)

	params := scraper.RequestParams{StartDate: "2026-02-10", Sequential: true}
	outcome, err := app.Scrape(context.Background(), ScopeAgencies, params)
	require.NoError(t, err)
	require.Equal(t, scraper.StatusCompleted, outcome.Status)
	require.Equal(t, ScopeAgencies, outcome.Scope)
	require.Equal(t, 1, outcome.ArticlesSaved)
	require.Equal(t, []string{"mec"}, outcome.AgenciesProcessed)

	evts, topics := hook.snapshot()
	require.Len(t, evts, 1)
	require.Equal(t, "mec", evts[0].AgencyKey)
	require.Equal(t, []string{defaultTopic}, topics)

	// A second pass finds the same content and writes nothing.
	outcome, err = app.Scrape(context.Background(), ScopeAgencies, params)
	require.NoError(t, err)
	require.Equal(t, 0, outcome.ArticlesSaved)
	require.Equal(t, 1, outcome.Agencies["mec"].Counts.Skipped)
	evts, _ = hook.snapshot()
	require.Len(t, evts, 1)
}

const redirectedListing = `<html><body>
<article class="tileItem">
  <a class="summary url" href="/mec/noticias/2026/02/mec-anuncia">MEC anuncia</a>
  <span class="documentByLine"><span class="date">10/02/2026</span></span>
</article>
<ul class="paginacao"><li><a class="proximo" href="?b_start:int=30">Próximo</a></li></ul>
</body></html>`

const singlePageRegistry = `name: site_urls.yaml
agencies:
  - key: mec
    name: MEC
    base_url: %s/mec/noticias
    listing_pattern: "{base_url}"
    rate_limit_ms: 0
    selectors:
      link: "article.tileItem a.summary.url"
      listing_date: "span.documentByLine span.date"
      next_page: "a.proximo"
      title: "h1.documentFirstHeading"
      body: "#parent-fieldname-text"
      date: "span.documentPublished"
`

func TestScrapeRedirectedListingFetchedOnce(t *testing.T) {
	var listingHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/mec/noticias", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mec/noticias/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/mec/noticias/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mec/noticias/" {
			http.NotFound(w, r)
			return
		}
		listingHits.Add(1)
		_, _ = io.WriteString(w, redirectedListing)
	})
	mux.HandleFunc("/mec/noticias/2026/02/mec-anuncia", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, articlePage)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	cfg := testConfig(t, site.URL, "")
	cfg.Sites.GovBRPath = filepath.Join(t.TempDir(), "site_urls.yaml")
	require.NoError(t, os.WriteFile(cfg.Sites.GovBRPath, []byte(fmt.Sprintf(singlePageRegistry, site.URL)), 0o600))

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)

	outcome, err := app.Scrape(context.Background(), ScopeAgencies, scraper.RequestParams{StartDate: "2026-02-10", Sequential: true})
	require.NoError(t, err)
	require.Equal(t, int32(1), listingHits.Load())
	counts := outcome.Agencies["mec"].Counts
	require.Equal(t, 2, counts.Fetched)
	require.Equal(t, 1, counts.Extracted)
	require.Equal(t, 1, counts.Inserted)
	require.Zero(t, counts.Skipped)
}

func TestScrapeThroughHTTP(t *testing.T) {
	site := newSiteServer(t)
	app, err := BuildWithLogger(context.Background(), testConfig(t, site.URL, ""), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/scrape/ebc", strings.NewReader(`{"start_date":"2026-02-10"}`))
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"scope":"ebc"`)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/scrape/agencies", strings.NewReader(`{"start_date":"2026-02-10","agencies":["nope"]}`))
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDevelopmentUsesMemoryEvents(t *testing.T) {
	site := newSiteServer(t)
	cfg := testConfig(t, site.URL, "")
	cfg.Logging.Development = true

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)
	require.NotNil(t, app.memoryEvents)

	_, err = app.Scrape(context.Background(), ScopeAgencies, scraper.RequestParams{StartDate: "2026-02-10", Sequential: true})
	require.NoError(t, err)

	published := app.memoryEvents.Messages()
	require.Len(t, published, 1)
	require.Equal(t, defaultTopic, published[0].Topic)
	require.Equal(t, events.EventVersion, published[0].Message.Attributes[events.AttrEventVersion])
}

func TestBuildDisablesPubSubWhenClientFails(t *testing.T) {
	t.Setenv("PUBSUB_EMULATOR_HOST", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", filepath.Join(t.TempDir(), "missing-creds.json"))

	site := newSiteServer(t)
	cfg := testConfig(t, site.URL, "")
	cfg.PubSub = config.PubSubConfig{ProjectID: "destaques", TopicNewsScraped: "news-scraped"}

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)
	require.Nil(t, app.pubsubClient)
	require.Nil(t, app.pubsubPublisher)
	require.Nil(t, app.memoryEvents)

	outcome, err := app.Scrape(context.Background(), ScopeAgencies, scraper.RequestParams{StartDate: "2026-02-10", Sequential: true})
	require.NoError(t, err)
	require.Equal(t, scraper.StatusCompleted, outcome.Status)
	require.Equal(t, 1, outcome.ArticlesSaved)
}

func TestScrapeUnknownScope(t *testing.T) {
	site := newSiteServer(t)
	app, err := BuildWithLogger(context.Background(), testConfig(t, site.URL, ""), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.closeInfrastructure)

	_, err = app.Scrape(context.Background(), "tv", scraper.RequestParams{StartDate: "2026-02-10"})
	require.ErrorContains(t, err, "unknown scope")
}

func TestBuildFailsOnBadRegistry(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1", "")
	cfg.Sites.EBCPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	var cfgErr *scraper.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuildFailsOnUnwritableArchive(t *testing.T) {
	site := newSiteServer(t)
	cfg := testConfig(t, site.URL, "")
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Archive = config.ArchiveConfig{Backend: config.ArchiveLocal, BaseDir: file}

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestNewLimiterKeepsLongestIntervalPerHost(t *testing.T) {
	t.Parallel()

	a, err := sites.Parse("a.yaml", []byte(`agencies:
  - key: mec
    base_url: https://www.gov.br/mec/noticias
    listing_pattern: "{base_url}?page={page}"
    rate_limit_ms: 500
    selectors: {link: "a", title: "h1", body: "main", date: "time"}
  - key: saude
    base_url: https://www.gov.br/saude/noticias
    listing_pattern: "{base_url}?page={page}"
    rate_limit_ms: 1500
    selectors: {link: "a", title: "h1", body: "main", date: "time"}
`), ".yaml")
	require.NoError(t, err)

	limiter := newLimiter(config.RateLimitConfig{DefaultInterval: 100 * time.Millisecond, Burst: 1}, a)
	require.Equal(t, 1500*time.Millisecond, limiter.Interval("https://www.gov.br/anything"))
	require.Equal(t, 100*time.Millisecond, limiter.Interval("https://agenciabrasil.ebc.com.br/"))
}
