// Package server builds the scraper's dependency graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/api"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/clock/system"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/config"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/dedup"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/events"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/extract"
	collyfetcher "github.com/destaquesgovbr/govbr-news-scraper/internal/fetcher/colly"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/logging"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/policy/ratelimit"
	memorypublisher "github.com/destaquesgovbr/govbr-news-scraper/internal/publisher/memory"
	gcppublisher "github.com/destaquesgovbr/govbr-news-scraper/internal/publisher/pubsub"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/publisher/webhook"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
	"github.com/destaquesgovbr/govbr-news-scraper/internal/sites"
	gcsstorage "github.com/destaquesgovbr/govbr-news-scraper/internal/storage/gcs"
	localstorage "github.com/destaquesgovbr/govbr-news-scraper/internal/storage/local"
	memorystorage "github.com/destaquesgovbr/govbr-news-scraper/internal/storage/memory"
	pgstore "github.com/destaquesgovbr/govbr-news-scraper/internal/storage/postgres"
)

// Scopes accepted by App.Scrape.
const (
	ScopeAgencies = "agencies"
	ScopeEBC      = "ebc"
)

// defaultTopic names events when only the webhook transport is configured.
const defaultTopic = "news-scraped"

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	agencies        *scraper.Coordinator
	ebc             *scraper.Coordinator
	store           scraper.Store
	newsStore       *pgstore.NewsStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	memoryEvents    *memorypublisher.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Scraper.Concurrency),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	govbr, err := sites.Load(cfg.Sites.GovBRPath)
	if err != nil {
		return nil, err
	}
	ebc, err := sites.Load(cfg.Sites.EBCPath)
	if err != nil {
		return nil, err
	}
	logger.Info("site registries loaded",
		zap.String("govbr", govbr.Name()),
		zap.Int("govbr_sites", len(govbr.Keys())),
		zap.Int("govbr_active", len(govbr.AllKeys())),
		zap.String("ebc", ebc.Name()),
		zap.Int("ebc_sites", len(ebc.Keys())),
		zap.Int("ebc_active", len(ebc.AllKeys())),
	)

	if err := app.setupDatabase(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	retry := scraper.NewRetryPolicy(scraper.RetryConfig{
		MaxAttempts:   cfg.HTTP.MaxAttempts,
		BaseDelay:     cfg.HTTP.BackoffInitial,
		MaxDelay:      cfg.HTTP.BackoffMax,
		RetryAfterCap: cfg.HTTP.RetryAfterCap,
	})
	limiter := newLimiter(cfg.RateLimit, govbr, ebc)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	}, limiter, retry, logger.Named("fetcher"))
	logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))

	deps := scraper.Dependencies{
		Fetcher:    fetcher,
		Extractor:  extract.New(),
		Classifier: dedup.Gate{},
		Store:      app.store,
		Archive:    archive,
		Clock:      system.New(),
		Retry:      retry,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}

	app.agencies, err = app.newCoordinator(govbr, deps, ScopeAgencies)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	app.ebc, err = app.newCoordinator(ebc, deps, ScopeEBC)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.apiServer = api.NewServer(api.Options{
		Agencies: app.agencies,
		EBC:      app.ebc,
		Store:    app.store,
		Auth:     cfg.Auth,
	}, logger)
	return app, nil
}

func (a *App) newCoordinator(reg *sites.Registry, deps scraper.Dependencies, name string) (*scraper.Coordinator, error) {
	deps.Registry = reg
	coordinator, err := scraper.NewCoordinator(scraper.CoordinatorConfig{
		Scope:          name,
		Concurrency:    a.cfg.Scraper.Concurrency,
		MaxPages:       a.cfg.Scraper.MaxPages,
		RunTimeout:     a.cfg.Scraper.RunTimeout,
		StorageRetries: a.cfg.Scraper.StorageRetries,
		ArchivePrefix:  a.cfg.Archive.Prefix,
		NotifyTimeout:  a.cfg.Scraper.NotifyTimeout,
	}, deps, a.logger.Named("coordinator").With(zap.String("scope", name)))
	if err != nil {
		return nil, fmt.Errorf("%s coordinator init failed: %w", name, err)
	}
	return coordinator, nil
}

// newLimiter applies every site's politeness interval to its host. Hosts shared
// by several agencies keep the longest interval.
func newLimiter(cfg config.RateLimitConfig, registries ...*sites.Registry) *ratelimit.Limiter {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultInterval: cfg.DefaultInterval,
		Burst:           cfg.Burst,
	})
	for _, reg := range registries {
		for _, site := range reg.Sites() {
			if site.RateLimit > 0 {
				limiter.SetHostInterval(site.BaseURL, site.RateLimit)
			}
		}
	}
	return limiter
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, using in-memory news store")
		a.store = memorystorage.NewNewsStore()
		return nil
	}
	store, err := pgstore.NewNewsStore(ctx, pgstore.NewsStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("news store init failed: %w", err)
	}
	a.newsStore = store
	a.store = store
	a.logger.Info("news store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.ArchiveLocal:
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Archive.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory archive backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw page archive disabled")
		return nil, nil
	}
}

// setupNotifier returns nil when no event transport is available. A Pub/Sub
// client that cannot start disables that transport without failing the build.
func (a *App) setupNotifier(ctx context.Context) (*events.Notifier, error) {
	var transports []events.Publisher
	topic := a.cfg.PubSub.TopicNewsScraped

	if a.cfg.PubSub.ProjectID != "" && topic != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			a.logger.Error("pubsub client init failed, Pub/Sub events disabled",
				zap.String("project", a.cfg.PubSub.ProjectID),
				zap.Error(err),
			)
		} else {
			a.pubsubClient = client
			a.pubsubPublisher = gcppublisher.New(client)
			transports = append(transports, a.pubsubPublisher)
			a.logger.Info("Pub/Sub publisher initialized",
				zap.String("project", a.cfg.PubSub.ProjectID),
				zap.String("topic", topic),
			)
		}
	}
	if a.cfg.Webhook.URL != "" {
		hook, err := webhook.New(webhook.Config{
			URL:     a.cfg.Webhook.URL,
			Headers: a.cfg.Webhook.Headers,
			Timeout: a.cfg.Webhook.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook publisher init failed: %w", err)
		}
		transports = append(transports, hook)
		a.logger.Info("webhook publisher initialized", zap.String("url", a.cfg.Webhook.URL))
	}

	if len(transports) == 0 {
		if !a.cfg.Logging.Development {
			a.logger.Warn("No event transport configured, news scraped events disabled")
			return nil, nil
		}
		a.logger.Warn("No event transport configured, using in-memory publisher")
		a.memoryEvents = memorypublisher.New()
		transports = append(transports, a.memoryEvents)
	}
	if topic == "" {
		topic = defaultTopic
	}
	return events.NewNotifier(events.NewFanout(transports...), topic, a.logger), nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scrape runs one request synchronously against the named scope.
func (a *App) Scrape(ctx context.Context, scope string, params scraper.RequestParams) (scraper.ScrapeOutcome, error) {
	switch scope {
	case ScopeAgencies:
		return a.agencies.Run(ctx, params)
	case ScopeEBC:
		return a.ebc.Run(ctx, params)
	default:
		return scraper.ScrapeOutcome{}, fmt.Errorf("unknown scope %q", scope)
	}
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives. The caller still owns Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases clients and flushes the logger.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := logging.Sync(a.logger); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.newsStore != nil {
		a.newsStore.Close()
	}
}
