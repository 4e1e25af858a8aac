// Package postgres provides the Postgres-backed news store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when NewsStoreConfig.Table is empty.
const DefaultTable = "news"

// SQLSTATE codes the store classifies.
const (
	codeUniqueViolation = "23505"
	classConnection     = "08"
	codeAdminShutdown   = "57P01"
	codeCrashShutdown   = "57P02"
	codeCannotConnect   = "57P03"
)

// NewsStoreConfig controls the Postgres connection pool used for news rows.
type NewsStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// NewsStore implements scraper.Store on a pgx pool.
type NewsStore struct {
	pool  pool
	table string
}

var _ scraper.Store = (*NewsStore)(nil)

// NewNewsStore creates a Postgres-backed NewsStore using the provided config.
func NewNewsStore(ctx context.Context, cfg NewsStoreConfig) (*NewsStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &NewsStore{pool: p, table: table}, nil
}

// NewNewsStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewNewsStoreWithPool(p pool, table string) (*NewsStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &NewsStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *NewsStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *NewsStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &scraper.StorageError{Kind: scraper.StorageConnectionFailed, Op: "ping", Err: err}
	}
	return nil
}

// LoadFingerprintIndex returns the stored hashes of one agency's articles published
// around window. The margin absorbs timezone drift between listing and article dates.
func (s *NewsStore) LoadFingerprintIndex(
	ctx context.Context,
	agency string,
	window scraper.DateRange,
) (scraper.FingerprintIndex, error) {
	query := fmt.Sprintf(`
SELECT unique_id, content_hash
FROM %s
WHERE agency_key = $1 AND published_at >= $2 AND published_at < $3`, s.table)

	from, until := IndexWindow(window)
	rows, err := s.pool.Query(ctx, query, agency, from, until)
	if err != nil {
		return nil, classify("load fingerprint index", err)
	}
	defer rows.Close()

	index := scraper.FingerprintIndex{}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, classify("scan fingerprint", err)
		}
		index[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load fingerprint index", err)
	}
	return index, nil
}

// StoredHash looks up one row by its natural key, regardless of publish date.
func (s *NewsStore) StoredHash(ctx context.Context, agency, sourceURL string) (string, bool, error) {
	query := fmt.Sprintf(`
SELECT content_hash
FROM %s
WHERE agency_key = $1 AND source_url = $2`, s.table)

	rows, err := s.pool.Query(ctx, query, agency, sourceURL)
	if err != nil {
		return "", false, classify("stored hash", err)
	}
	defer rows.Close()

	var (
		hash  string
		found bool
	)
	if rows.Next() {
		if err := rows.Scan(&hash); err != nil {
			return "", false, classify("scan stored hash", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return "", false, classify("stored hash", err)
	}
	return hash, found, nil
}

// IndexWindow widens a date range to [start-1d, end+2d).
func IndexWindow(window scraper.DateRange) (time.Time, time.Time) {
	return window.Start.AddDate(0, 0, -1), window.End.AddDate(0, 0, 2)
}

// Upsert applies the write planned for req.Class.
func (s *NewsStore) Upsert(ctx context.Context, req scraper.UpsertRequest) (scraper.UpsertResult, error) {
	action, result := scraper.PlanWrite(req.Class, req.AllowUpdate)
	switch action {
	case scraper.WriteInsert:
		return s.insert(ctx, req.Item)
	case scraper.WriteUpdate:
		return s.update(ctx, req.Item)
	default:
		return result, nil
	}
}

func (s *NewsStore) insert(ctx context.Context, item scraper.NewsItem) (scraper.UpsertResult, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	unique_id,
	agency_key,
	source_url,
	title,
	subtitle,
	editorial_lead,
	body,
	category,
	tags,
	image_url,
	video_url,
	published_at,
	updated_datetime,
	extracted_at,
	content_hash,
	first_seen_at,
	last_updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16
)
ON CONFLICT (agency_key, source_url) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		item.UniqueID,
		item.AgencyKey,
		item.SourceURL,
		item.Title,
		item.Subtitle,
		item.EditorialLead,
		item.Body,
		item.Category,
		tagsOf(item),
		item.ImageURL,
		item.VideoURL,
		item.PublishedAt,
		item.UpdatedAt,
		item.ExtractedAt,
		item.ContentHash,
		writtenAt(item),
	)
	if err != nil {
		return 0, classify("insert news", err)
	}
	// Zero rows means the URL is already stored.
	if tag.RowsAffected() == 0 {
		return scraper.UpsertConflict, nil
	}
	return scraper.UpsertInserted, nil
}

func (s *NewsStore) update(ctx context.Context, item scraper.NewsItem) (scraper.UpsertResult, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	title = $3,
	subtitle = $4,
	editorial_lead = $5,
	body = $6,
	category = $7,
	tags = $8,
	image_url = $9,
	video_url = $10,
	published_at = $11,
	updated_datetime = $12,
	extracted_at = $13,
	content_hash = $14,
	last_updated_at = $15
WHERE agency_key = $1 AND source_url = $2 AND content_hash <> $14`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		item.AgencyKey,
		item.SourceURL,
		item.Title,
		item.Subtitle,
		item.EditorialLead,
		item.Body,
		item.Category,
		tagsOf(item),
		item.ImageURL,
		item.VideoURL,
		item.PublishedAt,
		item.UpdatedAt,
		item.ExtractedAt,
		item.ContentHash,
		writtenAt(item),
	)
	if err != nil {
		return 0, classify("update news", err)
	}
	if tag.RowsAffected() == 0 {
		return scraper.UpsertUnchanged, nil
	}
	return scraper.UpsertUpdated, nil
}

func tagsOf(item scraper.NewsItem) []string {
	if item.Tags == nil {
		return []string{}
	}
	return item.Tags
}

func writtenAt(item scraper.NewsItem) time.Time {
	if item.ExtractedAt.IsZero() {
		return time.Now().UTC()
	}
	return item.ExtractedAt
}

// classify maps a pgx error onto the storage error taxonomy.
func classify(op string, err error) error {
	return &scraper.StorageError{Kind: storageKind(err), Op: op, Err: err}
}

func storageKind(err error) scraper.StorageErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return scraper.StorageConstraintConflict
		case strings.HasPrefix(pgErr.Code, classConnection),
			pgErr.Code == codeAdminShutdown,
			pgErr.Code == codeCrashShutdown,
			pgErr.Code == codeCannotConnect:
			return scraper.StorageConnectionFailed
		default:
			return scraper.StorageQueryFailed
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return scraper.StorageQueryFailed
	}

	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err):
		return scraper.StorageConnectionFailed
	default:
		return scraper.StorageQueryFailed
	}
}
