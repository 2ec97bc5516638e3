package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
	"github.com/shortlinker/shortlinker/testhelper"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	return db
}

func TestBatchGetLinks(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	first := newTestLink("batch-get-1")
	second := newTestLink("batch-get-2")

	require.NoError(t, db.CreateLink(context.Background(), first))
	require.NoError(t, db.CreateLink(context.Background(), second))

	got, err := db.BatchGetLinks(context.Background(), []string{"batch-get-1", "batch-get-2", "batch-get-3"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, first.Target, got["batch-get-1"].Target)
	assert.Equal(t, second.Target, got["batch-get-2"].Target)
	assert.NotContains(t, got, "batch-get-3")
}

func TestBatchCheckCodesExist(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	require.NoError(t, db.CreateLink(context.Background(), newTestLink("check-1")))
	require.NoError(t, db.CreateLink(context.Background(), newTestLink("check-2")))

	exists, err := db.BatchCheckCodesExist(context.Background(), []string{"check-1", "check-2", "check-3"})
	require.NoError(t, err)

	assert.Contains(t, exists, "check-1")
	assert.Contains(t, exists, "check-2")
	assert.NotContains(t, exists, "check-3")
}

func TestBatchInsertLinks(t *testing.T) {
	t.Parallel()

	t.Run("inserts every row", func(t *testing.T) {
		t.Parallel()

		db := setupTestDB(t)

		links := []*database.ShortLink{
			newTestLink("insert-1"),
			newTestLink("insert-2"),
			newTestLink("insert-3"),
		}

		require.NoError(t, db.BatchInsertLinks(context.Background(), links))

		total, err := db.CountLinks(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
	})

	t.Run("duplicate code fails the batch", func(t *testing.T) {
		t.Parallel()

		db := setupTestDB(t)

		require.NoError(t, db.CreateLink(context.Background(), newTestLink("insert-dup")))

		err := db.BatchInsertLinks(context.Background(), []*database.ShortLink{
			newTestLink("insert-new"),
			newTestLink("insert-dup"),
		})
		assert.ErrorIs(t, err, database.ErrCodeExists)
	})
}

func TestBatchDeleteLinks(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	require.NoError(t, db.CreateLink(context.Background(), newTestLink("del-1")))
	require.NoError(t, db.CreateLink(context.Background(), newTestLink("del-2")))
	require.NoError(t, db.CreateLink(context.Background(), newTestLink("del-3")))

	deleted, err := db.BatchDeleteLinks(context.Background(), []string{"del-1", "del-3", "del-missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	total, err := db.CountLinks(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUpsertLink(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	link := newTestLink("upsert-single")
	require.NoError(t, db.UpsertLink(context.Background(), link))

	link.Target = "https://example.org/changed"
	require.NoError(t, db.UpsertLink(context.Background(), link))

	got, err := db.GetLink(context.Background(), "upsert-single")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/changed", got.Target)
}

func TestListLinks(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base.Add(2 * time.Hour)

	betaExpiry := base.Add(100 * time.Hour)
	gammaExpiry := base.Add(90 * time.Minute)

	seed := []*database.ShortLink{
		{Code: "alpha", Target: "https://example.com/landing", CreatedAt: base, UpdatedAt: base},
		{Code: "beta_1", Target: "https://example.org/docs", CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour), ExpiresAt: &betaExpiry},
		{Code: "gamma", Target: "https://example.net/promo", CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(2 * time.Hour), ExpiresAt: &gammaExpiry},
		{Code: "under_score", Target: "https://example.com/a", CreatedAt: base.Add(3 * time.Hour), UpdatedAt: base.Add(3 * time.Hour)},
		{Code: "underXscore", Target: "https://example.com/b", CreatedAt: base.Add(4 * time.Hour), UpdatedAt: base.Add(4 * time.Hour)},
	}

	for _, link := range seed {
		require.NoError(t, db.CreateLink(context.Background(), link))
	}

	clicks := map[string]int64{"alpha": 5, "beta_1": 2, "gamma": 1}
	require.NoError(t, db.FlushClicks(context.Background(), clicks))

	t.Run("returns everything newest first by default", func(t *testing.T) {
		t.Parallel()

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 5, total)
		require.Len(t, links, 5)
		assert.Equal(t, "underXscore", links[0].Code)
		assert.Equal(t, "alpha", links[4].Code)
	})

	t.Run("search matches code and target", func(t *testing.T) {
		t.Parallel()

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{Search: "beta", Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 1, total)
		require.Len(t, links, 1)
		assert.Equal(t, "beta_1", links[0].Code)

		links, total, err = db.ListLinks(context.Background(), database.ListQuery{Search: "example.net", Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 1, total)
		require.Len(t, links, 1)
		assert.Equal(t, "gamma", links[0].Code)
	})

	t.Run("search treats underscores literally", func(t *testing.T) {
		t.Parallel()

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{Search: "der_sc", Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 1, total)
		require.Len(t, links, 1)
		assert.Equal(t, "under_score", links[0].Code)
	})

	t.Run("filters by expiry status", func(t *testing.T) {
		t.Parallel()

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{Status: database.StatusActive, Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 4, total)
		assert.Len(t, links, 4)

		links, total, err = db.ListLinks(context.Background(), database.ListQuery{Status: database.StatusExpired, Limit: 10, Now: now})
		require.NoError(t, err)

		assert.EqualValues(t, 1, total)
		require.Len(t, links, 1)
		assert.Equal(t, "gamma", links[0].Code)
	})

	t.Run("filters by creation window", func(t *testing.T) {
		t.Parallel()

		after := base.Add(30 * time.Minute)
		before := base.Add(150 * time.Minute)

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{
			CreatedAfter:  &after,
			CreatedBefore: &before,
			Limit:         10,
			Now:           now,
		})
		require.NoError(t, err)

		assert.EqualValues(t, 2, total)
		require.Len(t, links, 2)
		assert.Equal(t, "gamma", links[0].Code)
		assert.Equal(t, "beta_1", links[1].Code)
	})

	t.Run("sorts by click count", func(t *testing.T) {
		t.Parallel()

		links, _, err := db.ListLinks(context.Background(), database.ListQuery{Sort: "click_count", Order: "desc", Limit: 3, Now: now})
		require.NoError(t, err)

		require.Len(t, links, 3)
		assert.Equal(t, "alpha", links[0].Code)
		assert.Equal(t, "beta_1", links[1].Code)
		assert.Equal(t, "gamma", links[2].Code)
	})

	t.Run("pages with a stable total", func(t *testing.T) {
		t.Parallel()

		links, total, err := db.ListLinks(context.Background(), database.ListQuery{Limit: 2, Now: now})
		require.NoError(t, err)
		assert.EqualValues(t, 5, total)
		assert.Len(t, links, 2)

		links, total, err = db.ListLinks(context.Background(), database.ListQuery{Limit: 2, Offset: 4, Now: now})
		require.NoError(t, err)
		assert.EqualValues(t, 5, total)
		assert.Len(t, links, 1)
	})

	t.Run("unknown sort column falls back to created_at", func(t *testing.T) {
		t.Parallel()

		links, _, err := db.ListLinks(context.Background(), database.ListQuery{Sort: "sneaky; DROP TABLE", Limit: 1, Now: now})
		require.NoError(t, err)

		require.Len(t, links, 1)
		assert.Equal(t, "underXscore", links[0].Code)
	})
}

func TestListLinksTotalRefreshesAfterCreate(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	require.NoError(t, db.CreateLink(context.Background(), newTestLink("count-1")))

	_, total, err := db.ListLinks(context.Background(), database.ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// A create purges the cached totals, so the next list may not serve
	// the stale count.
	require.NoError(t, db.CreateLink(context.Background(), newTestLink("count-2")))

	_, total, err = db.ListLinks(context.Background(), database.ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestStreamLinks(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	for _, code := range []string{"stream-c", "stream-a", "stream-b"} {
		require.NoError(t, db.CreateLink(context.Background(), newTestLink(code)))
	}

	page, err := db.StreamLinks(context.Background(), "", 2)
	require.NoError(t, err)

	require.Len(t, page, 2)
	assert.Equal(t, "stream-a", page[0].Code)
	assert.Equal(t, "stream-b", page[1].Code)

	page, err = db.StreamLinks(context.Background(), page[1].Code, 2)
	require.NoError(t, err)

	require.Len(t, page, 1)
	assert.Equal(t, "stream-c", page[0].Code)

	page, err = db.StreamLinks(context.Background(), page[0].Code, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestLoadAllCodes(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	for _, code := range []string{"load-b", "load-a", "load-c"} {
		require.NoError(t, db.CreateLink(context.Background(), newTestLink(code)))
	}

	codes, err := db.LoadAllCodes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"load-a", "load-b", "load-c"}, codes)
}

func TestRecentLinks(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, code := range []string{"recent-old", "recent-mid", "recent-new"} {
		link := newTestLink(code)
		link.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		link.UpdatedAt = link.CreatedAt

		require.NoError(t, db.CreateLink(context.Background(), link))
	}

	links, err := db.RecentLinks(context.Background(), 2)
	require.NoError(t, err)

	require.Len(t, links, 2)
	assert.Equal(t, "recent-new", links[0].Code)
	assert.Equal(t, "recent-mid", links[1].Code)
}

func TestGetLinkStats(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	now := time.Now().UTC()
	future := now.Add(100 * time.Hour)
	past := now.Add(-time.Hour)

	hash, err := password.Hash("hunter2")
	require.NoError(t, err)

	protected := newTestLink("stats-protected")
	protected.PasswordHash = hash

	expiring := newTestLink("stats-active")
	expiring.ExpiresAt = &future

	expired := newTestLink("stats-expired")
	expired.ExpiresAt = &past

	for _, link := range []*database.ShortLink{protected, expiring, expired} {
		require.NoError(t, db.CreateLink(context.Background(), link))
	}

	clicks := map[string]int64{"stats-protected": 4, "stats-expired": 6}
	require.NoError(t, db.FlushClicks(context.Background(), clicks))

	stats, err := db.GetLinkStats(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, stats.TotalLinks)
	assert.EqualValues(t, 10, stats.TotalClicks)
	assert.EqualValues(t, 2, stats.ActiveLinks)
	assert.EqualValues(t, 1, stats.ExpiredLinks)
	assert.EqualValues(t, 1, stats.ProtectedLinks)
}

func TestFlushClicksDropsInvalidCodes(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)

	link := newTestLink("flush-valid")
	require.NoError(t, db.CreateLink(context.Background(), link))

	counts := map[string]int64{
		"flush-valid":  3,
		"not a code !": 9,
	}

	require.NoError(t, db.FlushClicks(context.Background(), counts))

	got, err := db.GetLink(context.Background(), "flush-valid")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.ClickCount)
}
