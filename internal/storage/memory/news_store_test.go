package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/destaquesgovbr/govbr-news-scraper/internal/scraper"
)

func item(hash string, published time.Time) scraper.NewsItem {
	return scraper.NewsItem{
		UniqueID:    "fp-1",
		AgencyKey:   "mec",
		SourceURL:   "https://www.gov.br/mec/a",
		Title:       "Título",
		Body:        "Corpo",
		PublishedAt: published,
		ExtractedAt: time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC),
		ContentHash: hash,
	}
}

func TestNewsStoreUpsertLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewNewsStore()
	published := time.Date(2026, 2, 10, 17, 5, 0, 0, scraper.Brasilia)

	res, err := store.Upsert(ctx, scraper.UpsertRequest{Item: item("h1", published), Class: scraper.ClassNew})
	require.NoError(t, err)
	require.Equal(t, scraper.UpsertInserted, res)

	// A second insert for the same URL collides with the stored row.
	res, err = store.Upsert(ctx, scraper.UpsertRequest{Item: item("h1", published), Class: scraper.ClassNew})
	require.NoError(t, err)
	require.Equal(t, scraper.UpsertConflict, res)

	hash, found, err := store.StoredHash(ctx, "mec", "https://www.gov.br/mec/a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "h1", hash)
	_, found, err = store.StoredHash(ctx, "saude", "https://www.gov.br/mec/a")
	require.NoError(t, err)
	require.False(t, found)

	res, err = store.Upsert(ctx, scraper.UpsertRequest{Item: item("h2", published), Class: scraper.ClassChanged})
	require.NoError(t, err)
	require.Equal(t, scraper.UpsertSkippedExisting, res)
	stored, _ := store.Get("mec", "https://www.gov.br/mec/a")
	require.Equal(t, "h1", stored.ContentHash)

	changed := item("h2", published)
	changed.ExtractedAt = changed.ExtractedAt.Add(time.Hour)
	res, err = store.Upsert(ctx, scraper.UpsertRequest{Item: changed, Class: scraper.ClassChanged, AllowUpdate: true})
	require.NoError(t, err)
	require.Equal(t, scraper.UpsertUpdated, res)

	stored, ok := store.Get("mec", "https://www.gov.br/mec/a")
	require.True(t, ok)
	require.Equal(t, "h2", stored.ContentHash)
	require.True(t, stored.LastUpdatedAt.After(stored.FirstSeenAt))
	require.Equal(t, 1, store.Len())

	res, err = store.Upsert(ctx, scraper.UpsertRequest{Item: changed, Class: scraper.ClassChanged, AllowUpdate: true})
	require.NoError(t, err)
	require.Equal(t, scraper.UpsertUnchanged, res)
}

func TestNewsStoreLoadFingerprintIndexWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewNewsStore()
	day := func(d int) time.Time { return time.Date(2026, 2, d, 10, 0, 0, 0, scraper.Brasilia) }

	for i, d := range []int{1, 9, 10, 12, 13} {
		it := item("h", day(d))
		it.UniqueID = string(rune('a' + i))
		it.SourceURL = "https://www.gov.br/mec/" + it.UniqueID
		_, err := store.Upsert(ctx, scraper.UpsertRequest{Item: it, Class: scraper.ClassNew})
		require.NoError(t, err)
	}
	other := item("h", day(10))
	other.AgencyKey = "saude"
	other.UniqueID = "z"
	_, err := store.Upsert(ctx, scraper.UpsertRequest{Item: other, Class: scraper.ClassNew})
	require.NoError(t, err)

	window := scraper.DateRange{
		Start: time.Date(2026, 2, 10, 0, 0, 0, 0, scraper.Brasilia),
		End:   time.Date(2026, 2, 11, 0, 0, 0, 0, scraper.Brasilia),
	}
	index, err := store.LoadFingerprintIndex(ctx, "mec", window)
	require.NoError(t, err)
	require.Equal(t, scraper.FingerprintIndex{"b": "h", "c": "h", "d": "h"}, index)
}
