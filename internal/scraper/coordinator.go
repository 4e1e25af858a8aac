package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/metrics"
)

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	Scope          string
	Concurrency    int
	MaxPages       int
	RunTimeout     time.Duration
	StorageRetries int
	ArchivePrefix  string
	NotifyTimeout  time.Duration
}

// Dependencies groups the collaborators of a Coordinator. Archive and Notifier are optional.
type Dependencies struct {
	Registry   Registry
	Fetcher    Fetcher
	Extractor  Extractor
	Classifier Classifier
	Store      Store
	Archive    BlobStore
	Notifier   Notifier
	Clock      Clock
	Retry      *RetryPolicy
}

// Coordinator turns a scrape request into per-agency traversals.
type Coordinator struct {
	cfg    CoordinatorConfig
	deps   Dependencies
	logger *zap.Logger
}

// NewCoordinator validates dependencies and applies defaults.
func NewCoordinator(cfg CoordinatorConfig, deps Dependencies, logger *zap.Logger) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("coordinator: registry is required")
	case deps.Fetcher == nil:
		return nil, errors.New("coordinator: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("coordinator: extractor is required")
	case deps.Classifier == nil:
		return nil, errors.New("coordinator: classifier is required")
	case deps.Store == nil:
		return nil, errors.New("coordinator: store is required")
	}
	if cfg.Scope == "" {
		cfg.Scope = deps.Registry.Name()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = 3
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Retry == nil {
		deps.Retry = NewRetryPolicy(RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Scope names the agency set served by this coordinator.
func (c *Coordinator) Scope() string {
	return c.cfg.Scope
}

// Validate checks params against the registry without side effects.
func (c *Coordinator) Validate(params RequestParams) (ScrapeRequest, error) {
	return ValidateRequest(params, c.deps.Registry)
}

// Ping reports whether storage is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// Run executes a request. Validation failures return a *ValidationError and no
// outcome. Agency failures are reported inside the outcome; the only runtime
// error is ErrStorageUnavailable, returned together with the partial outcome.
func (c *Coordinator) Run(ctx context.Context, params RequestParams) (ScrapeOutcome, error) {
	req, err := c.Validate(params)
	if err != nil {
		return ScrapeOutcome{}, err
	}
	outcome := ScrapeOutcome{
		Scope:     c.cfg.Scope,
		StartDate: req.Range.Start.Format(DateLayout),
		EndDate:   req.Range.End.Format(DateLayout),
		StartedAt: c.deps.Clock.Now(),
		Agencies:  make(map[string]AgencyResult, len(req.Agencies)),
	}
	logger := c.logger.With(
		zap.String("scope", c.cfg.Scope),
		zap.String("start_date", outcome.StartDate),
		zap.String("end_date", outcome.EndDate),
	)

	runs := make([]*agencyRun, 0, len(req.Agencies))
	for _, key := range req.Agencies {
		site, _ := c.deps.Registry.Lookup(key)
		runs = append(runs, &agencyRun{site: site})
	}

	if pingErr := c.deps.Store.Ping(ctx); pingErr != nil {
		cause := fmt.Errorf("%w: %v", ErrStorageUnavailable, pingErr)
		logger.Error("storage unreachable, aborting run", zap.Error(pingErr))
		for _, run := range runs {
			run.abort(cause)
		}
		c.finish(&outcome, req, runs, logger)
		return outcome, cause
	}

	logger.Info("scrape run started",
		zap.Int("agencies", len(req.Agencies)),
		zap.Bool("sequential", req.Sequential),
		zap.Bool("allow_update", req.AllowUpdate),
	)

	runCtx := ctx
	if c.cfg.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancelTimeout()
	}
	runCtx, abort := context.WithCancelCause(runCtx)
	defer abort(nil)

	limit := c.cfg.Concurrency
	if req.Sequential {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, run := range runs {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			c.runAgency(runCtx, abort, req, run)
			return nil
		})
	}
	_ = g.Wait()

	interrupted := interruption(runCtx)
	for _, run := range runs {
		if !run.finished {
			run.abort(interrupted)
		}
	}
	c.finish(&outcome, req, runs, logger)
	if errors.Is(interrupted, ErrStorageUnavailable) {
		return outcome, interrupted
	}
	return outcome, nil
}

func (c *Coordinator) finish(outcome *ScrapeOutcome, req ScrapeRequest, runs []*agencyRun, logger *zap.Logger) {
	for _, run := range runs {
		outcome.Agencies[run.site.Key] = run.result()
		outcome.Failures = append(outcome.Failures, run.failures...)
	}
	outcome.summarize(req.Agencies)
	outcome.FinishedAt = c.deps.Clock.Now()
	metrics.ObserveRun(c.cfg.Scope, outcome.Status)
	logger.Info("scrape run finished",
		zap.String("status", outcome.Status),
		zap.Int("articles_scraped", outcome.ArticlesScraped),
		zap.Int("articles_saved", outcome.ArticlesSaved),
		zap.Int("errors", len(outcome.Errors)),
		zap.Duration("elapsed", outcome.FinishedAt.Sub(outcome.StartedAt)),
	)
}

func (c *Coordinator) runAgency(ctx context.Context, abort context.CancelCauseFunc, req ScrapeRequest, run *agencyRun) {
	logger := c.logger.With(zap.String("agency", run.site.Key))
	logger.Debug("agency started")

	index, err := c.loadIndex(ctx, run.site.Key, req.Range)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("fingerprint index load failed", zap.Error(err))
		c.checkStorage(ctx, abort, err)
		run.fatal = err
		run.fail("fingerprint index", err)
		run.finished = true
		return
	}
	run.index = index.Clone()

	if run.site.DatePartitioned() {
		for _, day := range req.Range.Days() {
			if !c.traverse(ctx, abort, req, run, day, logger) {
				break
			}
		}
	} else {
		c.traverse(ctx, abort, req, run, time.Time{}, logger)
	}

	c.notify(ctx, run)
	if ctx.Err() != nil {
		return
	}
	run.finished = true
	logger.Info("agency finished",
		zap.Int("fetched", run.counts.Fetched),
		zap.Int("extracted", run.counts.Extracted),
		zap.Int("inserted", run.counts.Inserted),
		zap.Int("updated", run.counts.Updated),
		zap.Int("skipped", run.counts.Skipped),
		zap.Int("failed", run.counts.Failed),
		zap.Int("filtered", run.counts.Filtered),
	)
}

// traverse walks the listing pages of one partition in order. It returns false
// once the run context is done.
func (c *Coordinator) traverse(
	ctx context.Context,
	abort context.CancelCauseFunc,
	req ScrapeRequest,
	run *agencyRun,
	day time.Time,
	logger *zap.Logger,
) bool {
	site := run.site
	maxPages := site.MaxPages
	if maxPages <= 0 {
		maxPages = c.cfg.MaxPages
	}
	page := PageDescriptor{Number: 1, Date: day, URL: site.ListingURL(1, day)}
	for visited := 0; visited < maxPages; visited++ {
		if ctx.Err() != nil {
			return false
		}
		resp, err := c.deps.Fetcher.Fetch(ctx, page.URL)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			run.listingFailed(page.Label(), err)
			logger.Warn("listing fetch failed", zap.String("page", page.Label()), zap.Error(err))
			return true
		}
		page.FetchedURL = resp.URL
		run.listingsOK++
		run.counts.Fetched++
		metrics.ObservePage(site.Key, "listing", "ok")

		listing, err := c.deps.Extractor.ExtractListing(resp.Body, site, page.Base())
		if err != nil {
			run.listingFailed(page.Label(), err)
			logger.Warn("listing extraction failed", zap.String("page", page.Label()), zap.Error(err))
			return true
		}
		logger.Debug("listing page parsed", zap.String("page", page.Label()), zap.Int("links", len(listing.Links)))

		stop := c.processListing(ctx, abort, req, run, listing)
		if ctx.Err() != nil {
			return false
		}
		if stop {
			return true
		}
		next, ok := c.deps.Extractor.HasNextPage(resp.Body, site, page)
		if !ok {
			return true
		}
		page = next
	}
	logger.Warn("max pages reached", zap.Int("max_pages", maxPages), zap.String("last_page", page.Label()))
	return true
}

// processListing handles the articles of one listing page in document order and
// reports whether a newest-first listing has moved past the requested window.
func (c *Coordinator) processListing(
	ctx context.Context,
	abort context.CancelCauseFunc,
	req ScrapeRequest,
	run *agencyRun,
	listing Listing,
) bool {
	var (
		olderListed bool
		processed   int
		older       int
	)
	for _, ref := range listing.Links {
		if ctx.Err() != nil {
			return true
		}
		if ref.ListingDate != nil {
			if req.Range.After(*ref.ListingDate) {
				continue
			}
			if req.Range.Before(*ref.ListingDate) {
				olderListed = true
				continue
			}
		}
		processed++
		if c.processArticle(ctx, abort, req, run, ref) == articleOlder {
			older++
		}
	}
	if run.site.DatePartitioned() {
		return false
	}
	return olderListed || (processed > 0 && older == processed)
}

type articleVerdict int

const (
	articleDone articleVerdict = iota
	articleOlder
	articleNewer
	articleFailed
)

func (c *Coordinator) processArticle(
	ctx context.Context,
	abort context.CancelCauseFunc,
	req ScrapeRequest,
	run *agencyRun,
	ref ArticleRef,
) articleVerdict {
	key := run.site.Key
	page, err := c.deps.Fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		if ctx.Err() != nil {
			return articleFailed
		}
		metrics.ObservePage(key, "article", FailureKind(err))
		run.itemFailed(ref.URL, err)
		c.logger.Warn("article fetch failed", zap.String("agency", key), zap.String("url", ref.URL), zap.Error(err))
		return articleFailed
	}
	run.counts.Fetched++
	metrics.ObservePage(key, "article", "ok")

	item, err := c.deps.Extractor.ExtractArticle(page.Body, run.site, ref)
	if err != nil {
		run.itemFailed(ref.URL, err)
		c.logger.Warn("article extraction failed", zap.String("agency", key), zap.String("url", ref.URL), zap.Error(err))
		return articleFailed
	}
	item.ExtractedAt = c.deps.Clock.Now()
	run.counts.Extracted++

	if !req.Range.Contains(item.PublishedAt) {
		run.counts.Filtered++
		metrics.ObserveItem(key, "filtered")
		if req.Range.Before(item.PublishedAt) {
			return articleOlder
		}
		return articleNewer
	}

	result, class, err := c.upsert(ctx, UpsertRequest{
		Item:        item,
		Class:       c.deps.Classifier.Classify(item, run.index),
		AllowUpdate: req.AllowUpdate,
	})
	if err != nil {
		if ctx.Err() != nil {
			return articleFailed
		}
		run.itemFailed(item.SourceURL, err)
		c.logger.Error("article write failed", zap.String("agency", key), zap.String("url", item.SourceURL), zap.Error(err))
		c.checkStorage(ctx, abort, err)
		return articleFailed
	}

	switch result {
	case UpsertInserted:
		run.counts.Inserted++
		run.index[item.UniqueID] = item.ContentHash
		run.inserted = append(run.inserted, item)
		c.archive(ctx, item, page.Body)
	case UpsertUpdated:
		run.counts.Updated++
		run.index[item.UniqueID] = item.ContentHash
		c.archive(ctx, item, page.Body)
	default:
		run.counts.Skipped++
	}
	metrics.ObserveItem(key, result.String())
	c.logger.Debug("article stored",
		zap.String("agency", key),
		zap.String("url", item.SourceURL),
		zap.Stringer("class", class),
		zap.Stringer("result", result),
	)
	return articleDone
}

func (c *Coordinator) loadIndex(ctx context.Context, agency string, window DateRange) (FingerprintIndex, error) {
	var index FingerprintIndex
	err := c.withStorageRetry(ctx, "load fingerprint index", func() error {
		var err error
		index, err = c.deps.Store.LoadFingerprintIndex(ctx, agency, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	if index == nil {
		index = FingerprintIndex{}
	}
	return index, nil
}

// upsert writes one item and returns the classification it was finally written
// under. An insert that collides with a stored row, either outside the loaded
// index window or written concurrently, is re-classified against that row.
func (c *Coordinator) upsert(ctx context.Context, req UpsertRequest) (UpsertResult, Classification, error) {
	result, err := c.write(ctx, req)
	if err != nil || result != UpsertConflict {
		return result, req.Class, err
	}

	var (
		hash  string
		found bool
	)
	err = c.withStorageRetry(ctx, "stored hash", func() error {
		var err error
		hash, found, err = c.deps.Store.StoredHash(ctx, req.Item.AgencyKey, req.Item.SourceURL)
		return err
	})
	if err != nil {
		return 0, req.Class, err
	}
	if !found {
		// The conflicting row disappeared; the next run inserts it.
		return UpsertUnchanged, req.Class, nil
	}
	req.Class = c.deps.Classifier.Classify(req.Item, FingerprintIndex{req.Item.UniqueID: hash})
	result, err = c.write(ctx, req)
	if result == UpsertConflict {
		result = UpsertUnchanged
	}
	return result, req.Class, err
}

// write applies req with storage retries. Constraint violations surface as
// UpsertConflict.
func (c *Coordinator) write(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	var result UpsertResult
	err := c.withStorageRetry(ctx, "upsert", func() error {
		var err error
		result, err = c.deps.Store.Upsert(ctx, req)
		return err
	})
	var storageErr *StorageError
	if errors.As(err, &storageErr) && storageErr.Kind == StorageConstraintConflict {
		return UpsertConflict, nil
	}
	return result, err
}

func (c *Coordinator) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsStorageConnection(err) || attempt >= c.cfg.StorageRetries {
			return err
		}
		wait := c.deps.Retry.Backoff(attempt - 1)
		c.logger.Warn("storage connection failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := SleepContext(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

// checkStorage cancels the whole run when a connection failure is confirmed by
// a failed ping.
func (c *Coordinator) checkStorage(ctx context.Context, abort context.CancelCauseFunc, err error) {
	if !IsStorageConnection(err) {
		return
	}
	if pingErr := c.deps.Store.Ping(ctx); pingErr != nil {
		c.logger.Error("storage connectivity lost, aborting run", zap.Error(pingErr))
		abort(fmt.Errorf("%w: %v", ErrStorageUnavailable, pingErr))
	}
}

func (c *Coordinator) archive(ctx context.Context, item NewsItem, raw []byte) {
	if c.deps.Archive == nil {
		return
	}
	day := item.PublishedAt.In(Brasilia).Format("2006/01/02")
	objectPath := path.Join(c.cfg.ArchivePrefix, item.AgencyKey, day, item.UniqueID+".html")
	if _, err := c.deps.Archive.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(raw)); err != nil {
		c.logger.Warn("archive raw html failed", zap.String("path", objectPath), zap.Error(err))
	}
}

// notify runs even when the run was interrupted: inserted rows are committed.
func (c *Coordinator) notify(ctx context.Context, run *agencyRun) {
	if c.deps.Notifier == nil || len(run.inserted) == 0 {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.NotifyTimeout)
	defer cancel()
	c.deps.Notifier.NotifyScraped(notifyCtx, run.site.Key, run.inserted)
}

func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrStorageUnavailable) {
		return cause
	}
	return fmt.Errorf("agency did not finish before the run ended: %w", context.DeadlineExceeded)
}

// agencyRun is owned by exactly one worker until the run completes.
type agencyRun struct {
	site           SiteConfig
	index          FingerprintIndex
	counts         AgencyCounts
	failures       []FailureRecord
	inserted       []NewsItem
	listingsOK     int
	listingsFailed int
	fatal          error
	finished       bool
}

func (r *agencyRun) fail(page string, err error) {
	r.failures = append(r.failures, FailureRecord{
		Agency: r.site.Key,
		Page:   page,
		Kind:   FailureKind(err),
		Error:  err.Error(),
	})
}

func (r *agencyRun) itemFailed(page string, err error) {
	r.counts.Failed++
	r.fail(page, err)
	metrics.ObserveItem(r.site.Key, "failed")
}

func (r *agencyRun) listingFailed(page string, err error) {
	r.listingsFailed++
	r.counts.Failed++
	r.fail(page, err)
	metrics.ObservePage(r.site.Key, "listing", FailureKind(err))
}

func (r *agencyRun) abort(err error) {
	r.fatal = err
	r.fail("agency", err)
}

func (r *agencyRun) result() AgencyResult {
	res := AgencyResult{Status: StatusCompleted, Counts: r.counts}
	switch {
	case r.fatal != nil:
		res.Status = StatusFailed
		res.Error = r.fatal.Error()
	case r.listingsOK == 0 && r.listingsFailed > 0:
		res.Status = StatusFailed
		res.Error = r.failures[0].Error
	case r.counts.Failed > 0:
		res.Status = StatusPartial
		res.Error = fmt.Sprintf("%d failure(s), first: %s", r.counts.Failed, r.failures[0].Error)
	}
	return res
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
