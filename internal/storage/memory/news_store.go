// Package memory holds in-process news and archive stores for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

type newsKey struct {
	agency string
	url    string
}

// NewsStore implements scraper.Store in memory with the same write semantics as Postgres.
type NewsStore struct {
	mu    sync.RWMutex
	items map[newsKey]scraper.NewsItem
	now   func() time.Time
}

var _ scraper.Store = (*NewsStore)(nil)

// NewNewsStore constructs an empty NewsStore.
func NewNewsStore() *NewsStore {
	return &NewsStore{
		items: make(map[newsKey]scraper.NewsItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *NewsStore) Ping(context.Context) error { return nil }

// LoadFingerprintIndex mirrors the Postgres window of [start-1d, end+2d).
func (s *NewsStore) LoadFingerprintIndex(
	_ context.Context,
	agency string,
	window scraper.DateRange,
) (scraper.FingerprintIndex, error) {
	from, until := window.Start.AddDate(0, 0, -1), window.End.AddDate(0, 0, 2)

	s.mu.RLock()
	defer s.mu.RUnlock()
	index := scraper.FingerprintIndex{}
	for key, item := range s.items {
		if key.agency != agency {
			continue
		}
		if item.PublishedAt.Before(from) || !item.PublishedAt.Before(until) {
			continue
		}
		index[item.UniqueID] = item.ContentHash
	}
	return index, nil
}

// StoredHash returns the content hash stored for an agency and canonical URL.
func (s *NewsStore) StoredHash(_ context.Context, agency, sourceURL string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[newsKey{agency: agency, url: sourceURL}]
	return item.ContentHash, ok, nil
}

// Upsert inserts new items and, when allowed, replaces changed ones.
func (s *NewsStore) Upsert(_ context.Context, req scraper.UpsertRequest) (scraper.UpsertResult, error) {
	action, result := scraper.PlanWrite(req.Class, req.AllowUpdate)
	if action == scraper.WriteNone {
		return result, nil
	}

	item := req.Item
	item.Tags = slices.Clone(item.Tags)
	written := item.ExtractedAt
	if written.IsZero() {
		written = s.now()
	}
	key := newsKey{agency: item.AgencyKey, url: item.SourceURL}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.items[key]
	switch action {
	case scraper.WriteInsert:
		if exists {
			return scraper.UpsertConflict, nil
		}
		item.FirstSeenAt = written
		item.LastUpdatedAt = written
		s.items[key] = item
		return scraper.UpsertInserted, nil
	default:
		if !exists || stored.ContentHash == item.ContentHash {
			return scraper.UpsertUnchanged, nil
		}
		item.FirstSeenAt = stored.FirstSeenAt
		item.LastUpdatedAt = written
		s.items[key] = item
		return scraper.UpsertUpdated, nil
	}
}

// Get returns the stored item for an agency and canonical URL.
func (s *NewsStore) Get(agency, sourceURL string) (scraper.NewsItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[newsKey{agency: agency, url: sourceURL}]
	return item, ok
}

// Len reports how many items are stored.
func (s *NewsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
