package database_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
	"github.com/shortlinker/shortlinker/testhelper"
)

// databaseFactory is a function that returns a clean, ready-to-use database
// and takes care of cleaning up once the test is done.
type databaseFactory func(t *testing.T) *database.DB

// newTestLink builds a link row with deterministic fields. Timestamps are
// truncated to seconds so comparisons behave the same on every backend.
func newTestLink(code string) *database.ShortLink {
	now := time.Now().UTC().Truncate(time.Second)

	return &database.ShortLink{
		Code:      code,
		Target:    "https://example.com/" + code,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runComplianceSuite exercises every operation whose SQL differs between
// backends: duplicate-key detection, upsert conflict clauses, the click
// CASE flush and the JSON rollup merges.
//
func runComplianceSuite(t *testing.T, factory databaseFactory) {
	t.Helper()

	t.Run("CreateLink and GetLink", func(t *testing.T) {
		t.Parallel()

		t.Run("missing code yields ErrNotFound", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			_, err := db.GetLink(context.Background(), testhelper.MustRandString(12))
			assert.ErrorIs(t, err, database.ErrNotFound)
		})

		t.Run("roundtrip preserves all fields", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			hash, err := password.Hash("hunter2")
			require.NoError(t, err)

			expires := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)

			link := newTestLink(testhelper.MustRandString(12))
			link.ExpiresAt = &expires
			link.PasswordHash = hash

			require.NoError(t, db.CreateLink(context.Background(), link))

			got, err := db.GetLink(context.Background(), link.Code)
			require.NoError(t, err)

			assert.Equal(t, link.Code, got.Code)
			assert.Equal(t, link.Target, got.Target)
			assert.Equal(t, hash, got.PasswordHash)
			assert.Zero(t, got.ClickCount)
			assert.WithinDuration(t, link.CreatedAt, got.CreatedAt, time.Second)

			require.NotNil(t, got.ExpiresAt)
			assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)
		})

		t.Run("duplicate code yields ErrCodeExists", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			link := newTestLink(testhelper.MustRandString(12))
			require.NoError(t, db.CreateLink(context.Background(), link))

			err := db.CreateLink(context.Background(), newTestLink(link.Code))
			assert.ErrorIs(t, err, database.ErrCodeExists)
		})

		t.Run("invalid code never reaches the database", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			err := db.CreateLink(context.Background(), newTestLink("no spaces!"))
			assert.ErrorIs(t, err, database.ErrInvalidCode)
		})
	})

	t.Run("UpdateLink", func(t *testing.T) {
		t.Parallel()

		t.Run("persists changes and keeps the click count", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			link := newTestLink(testhelper.MustRandString(12))
			require.NoError(t, db.CreateLink(context.Background(), link))

			counts := map[string]int64{link.Code: 5}
			require.NoError(t, db.FlushClicks(context.Background(), counts))

			expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

			link.Target = "https://example.org/moved"
			link.ExpiresAt = &expires
			link.UpdatedAt = time.Now().UTC().Truncate(time.Second)

			require.NoError(t, db.UpdateLink(context.Background(), link))

			got, err := db.GetLink(context.Background(), link.Code)
			require.NoError(t, err)

			assert.Equal(t, "https://example.org/moved", got.Target)
			assert.EqualValues(t, 5, got.ClickCount)

			require.NotNil(t, got.ExpiresAt)
			assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)
		})

		t.Run("clears the expiry and the password", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			hash, err := password.Hash("hunter2")
			require.NoError(t, err)

			expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

			link := newTestLink(testhelper.MustRandString(12))
			link.ExpiresAt = &expires
			link.PasswordHash = hash

			require.NoError(t, db.CreateLink(context.Background(), link))

			link.ExpiresAt = nil
			link.PasswordHash = ""

			require.NoError(t, db.UpdateLink(context.Background(), link))

			got, err := db.GetLink(context.Background(), link.Code)
			require.NoError(t, err)

			assert.Nil(t, got.ExpiresAt)
			assert.Empty(t, got.PasswordHash)
		})
	})

	t.Run("DeleteLink", func(t *testing.T) {
		t.Parallel()

		t.Run("removes the row", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			link := newTestLink(testhelper.MustRandString(12))
			require.NoError(t, db.CreateLink(context.Background(), link))

			require.NoError(t, db.DeleteLink(context.Background(), link.Code))

			_, err := db.GetLink(context.Background(), link.Code)
			assert.ErrorIs(t, err, database.ErrNotFound)
		})

		t.Run("missing code yields ErrNotFound", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			err := db.DeleteLink(context.Background(), testhelper.MustRandString(12))
			assert.ErrorIs(t, err, database.ErrNotFound)
		})
	})

	t.Run("BatchUpsertLinks", func(t *testing.T) {
		t.Parallel()

		t.Run("preserves created_at and click_count on conflict", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			link := newTestLink(testhelper.MustRandString(12))
			require.NoError(t, db.CreateLink(context.Background(), link))

			counts := map[string]int64{link.Code: 7}
			require.NoError(t, db.FlushClicks(context.Background(), counts))

			replacement := newTestLink(link.Code)
			replacement.Target = "https://example.org/replaced"
			replacement.CreatedAt = link.CreatedAt.Add(24 * time.Hour)
			replacement.UpdatedAt = link.UpdatedAt.Add(24 * time.Hour)

			err := db.BatchUpsertLinks(context.Background(), []*database.ShortLink{replacement})
			require.NoError(t, err)

			got, err := db.GetLink(context.Background(), link.Code)
			require.NoError(t, err)

			assert.Equal(t, "https://example.org/replaced", got.Target)
			assert.EqualValues(t, 7, got.ClickCount)
			assert.WithinDuration(t, link.CreatedAt, got.CreatedAt, time.Second)
			assert.WithinDuration(t, replacement.UpdatedAt, got.UpdatedAt, time.Second)
		})

		t.Run("inserts rows that do not exist yet", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			links := []*database.ShortLink{
				newTestLink(testhelper.MustRandString(12)),
				newTestLink(testhelper.MustRandString(12)),
			}

			require.NoError(t, db.BatchUpsertLinks(context.Background(), links))

			for _, link := range links {
				got, err := db.GetLink(context.Background(), link.Code)
				require.NoError(t, err)
				assert.Equal(t, link.Target, got.Target)
			}
		})
	})

	t.Run("FlushClicks", func(t *testing.T) {
		t.Parallel()

		t.Run("accumulates counts across flushes", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			first := newTestLink(testhelper.MustRandString(12))
			second := newTestLink(testhelper.MustRandString(12))

			require.NoError(t, db.CreateLink(context.Background(), first))
			require.NoError(t, db.CreateLink(context.Background(), second))

			counts := map[string]int64{first.Code: 3, second.Code: 2}
			require.NoError(t, db.FlushClicks(context.Background(), counts))

			counts = map[string]int64{first.Code: 1}
			require.NoError(t, db.FlushClicks(context.Background(), counts))

			got, err := db.GetLink(context.Background(), first.Code)
			require.NoError(t, err)
			assert.EqualValues(t, 4, got.ClickCount)

			got, err = db.GetLink(context.Background(), second.Code)
			require.NoError(t, err)
			assert.EqualValues(t, 2, got.ClickCount)
		})

		t.Run("counts for deleted links are dropped silently", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			counts := map[string]int64{testhelper.MustRandString(12): 9}
			assert.NoError(t, db.FlushClicks(context.Background(), counts))
		})
	})

	t.Run("GetOrCreateUserAgentIDs", func(t *testing.T) {
		t.Parallel()

		t.Run("returns stable ids across calls", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			agents := []string{"Mozilla/5.0 (X11; Linux x86_64)", "curl/8.5.0"}

			first, err := db.GetOrCreateUserAgentIDs(context.Background(), agents)
			require.NoError(t, err)
			require.Len(t, first, 2)

			second, err := db.GetOrCreateUserAgentIDs(context.Background(), agents)
			require.NoError(t, err)

			assert.Equal(t, first, second)
		})
	})

	t.Run("UpsertHourlyCounts", func(t *testing.T) {
		t.Parallel()

		t.Run("adds clicks and leaves the maps alone", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			code := testhelper.MustRandString(12)
			at := time.Date(2024, 3, 7, 14, 30, 0, 0, time.UTC)

			counts := map[string]int64{code: 5}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, at, "test"))

			counts = map[string]int64{code: 3}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, at, "test"))

			rows, err := db.GetHourlyStats(context.Background(), code, "2024-03-07 00:00", "2024-03-08 00:00")
			require.NoError(t, err)
			require.Len(t, rows, 1)

			assert.Equal(t, "2024-03-07 14:00", rows[0].HourBucket)
			assert.EqualValues(t, 8, rows[0].Clicks)
			assert.JSONEq(t, "{}", rows[0].Referrers)
			assert.JSONEq(t, "{}", rows[0].Countries)
			assert.JSONEq(t, "{}", rows[0].Sources)
		})
	})

	t.Run("UpsertHourlyDetails", func(t *testing.T) {
		t.Parallel()

		t.Run("merges maps and never touches the clicks column", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			code := testhelper.MustRandString(12)
			at := time.Date(2024, 3, 7, 14, 05, 0, 0, time.UTC)

			details := []click.Detail{
				{Code: code, At: at, Referrer: "https://news.ycombinator.com/item?id=1", Source: "ref:ycombinator.com", Country: "US"},
				{Code: code, At: at, Referrer: "https://news.ycombinator.com/item?id=2", Source: "ref:ycombinator.com", Country: "DE"},
				{Code: code, At: at, Source: "newsletter"},
			}

			agg := click.BuildAggregate(details)

			require.NoError(t, db.UpsertHourlyDetails(context.Background(), agg, "test"))
			require.NoError(t, db.UpsertHourlyDetails(context.Background(), agg, "test"))

			rows, err := db.GetHourlyStats(context.Background(), code, "2024-03-07 14:00", "2024-03-07 15:00")
			require.NoError(t, err)
			require.Len(t, rows, 1)

			assert.Zero(t, rows[0].Clicks)

			var referrers map[string]int64

			require.NoError(t, json.Unmarshal([]byte(rows[0].Referrers), &referrers))
			assert.Equal(t, map[string]int64{"ycombinator.com": 4}, referrers)

			var countries map[string]int64

			require.NoError(t, json.Unmarshal([]byte(rows[0].Countries), &countries))
			assert.Equal(t, map[string]int64{"US": 2, "DE": 2}, countries)

			var sources map[string]int64

			require.NoError(t, json.Unmarshal([]byte(rows[0].Sources), &sources))
			assert.Equal(t, map[string]int64{"ref:ycombinator.com": 4, "newsletter": 2}, sources)
		})
	})

	t.Run("UpsertGlobalHourly", func(t *testing.T) {
		t.Parallel()

		t.Run("clicks add up and unique_links takes the last value", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			const bucket = "2024-03-07 14:00"

			require.NoError(t, db.UpsertGlobalHourly(context.Background(), bucket, 10, 3, "test"))
			require.NoError(t, db.UpsertGlobalHourly(context.Background(), bucket, 5, 7, "test"))

			row := new(database.ClickStatsGlobalHourly)

			err := db.NewSelect().
				Model(row).
				Where("hour_bucket = ?", bucket).
				Scan(context.Background())
			require.NoError(t, err)

			assert.EqualValues(t, 15, row.Clicks)
			assert.EqualValues(t, 7, row.UniqueLinks)
		})
	})

	t.Run("RollupDaily", func(t *testing.T) {
		t.Parallel()

		t.Run("sums one day and reruns cleanly", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			code := testhelper.MustRandString(12)
			day := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

			counts := map[string]int64{code: 5}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, day.Add(10*time.Hour), "test"))

			counts = map[string]int64{code: 3}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, day.Add(11*time.Hour), "test"))

			counts = map[string]int64{code: 7}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, day.AddDate(0, 0, 1), "test"))

			require.NoError(t, db.RollupDaily(context.Background(), day))
			require.NoError(t, db.RollupDaily(context.Background(), day))

			var rows []*database.ClickStatsDaily

			err := db.NewSelect().
				Model(&rows).
				Where("code = ?", code).
				Scan(context.Background())
			require.NoError(t, err)
			require.Len(t, rows, 1)

			assert.Equal(t, "2024-03-07", rows[0].DayBucket)
			assert.EqualValues(t, 8, rows[0].Clicks)

			counts = map[string]int64{code: 2}
			require.NoError(t, db.UpsertHourlyCounts(context.Background(), counts, day.Add(12*time.Hour), "test"))

			require.NoError(t, db.RollupDaily(context.Background(), day))

			row := new(database.ClickStatsDaily)

			err = db.NewSelect().
				Model(row).
				Where("code = ? AND day_bucket = ?", code, "2024-03-07").
				Scan(context.Background())
			require.NoError(t, err)

			assert.EqualValues(t, 10, row.Clicks)
		})
	})

	t.Run("PurgeClickLogsBefore", func(t *testing.T) {
		t.Parallel()

		t.Run("deletes old rows in chunks and keeps the rest", func(t *testing.T) {
			t.Parallel()

			db := factory(t)

			code := testhelper.MustRandString(12)
			now := time.Now().UTC()

			details := []click.Detail{
				{Code: code, At: now.Add(-72 * time.Hour), Source: "direct"},
				{Code: code, At: now.Add(-49 * time.Hour), Source: "direct"},
				{Code: code, At: now.Add(-48 * time.Hour), Source: "direct"},
				{Code: code, At: now.Add(-time.Minute), Source: "direct"},
				{Code: code, At: now, Source: "direct"},
			}

			require.NoError(t, db.InsertClickDetails(context.Background(), details))

			deleted, err := db.PurgeClickLogsBefore(context.Background(), now.Add(-24*time.Hour), 1)
			require.NoError(t, err)
			assert.EqualValues(t, 3, deleted)

			remaining, err := db.CountClickLogs(context.Background())
			require.NoError(t, err)
			assert.EqualValues(t, 2, remaining)
		})
	})
}
