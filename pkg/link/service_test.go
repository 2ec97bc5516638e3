package link_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/helper"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/password"
	"github.com/shortlinker/shortlinker/testhelper"
)

// zeroReader makes code generation fully deterministic: every generated
// character comes out as 'a'.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}

	return len(p), nil
}

func testSettings() link.Settings {
	return link.Settings{RandomCodeLength: 6, DenyHosts: []string{"evil.com"}}
}

func newTestService(t *testing.T) (*link.Service, *database.DB, *clockwork.FakeClock) {
	t.Helper()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC))
	c := cache.New(cache.Config{Enabled: true}, clock)

	return link.New(db, c, testSettings, clock), db, clock
}

func ptr(s string) *string { return &s }

func TestCreateExplicitCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, clock := newTestService(t)

	created, err := svc.Create(ctx, link.CreateRequest{
		Code:      "welcome",
		Target:    "https://example.com/landing",
		ExpiresAt: "2d",
		Password:  "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, "welcome", created.Code)
	assert.Equal(t, "https://example.com/landing", created.Target)
	assert.Equal(t, clock.Now().UTC(), created.CreatedAt)

	require.NotNil(t, created.ExpiresAt)
	assert.Equal(t, clock.Now().UTC().AddDate(0, 0, 2), *created.ExpiresAt)

	ok, err := password.Verify(created.PasswordHash, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := db.GetLink(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, created.Target, stored.Target)
}

func TestCreateDuplicateCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "taken", Target: "https://example.com/a"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, link.CreateRequest{Code: "taken", Target: "https://example.com/b"})
	require.ErrorIs(t, err, database.ErrCodeExists)
}

func TestCreateOverwriteKeepsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, clock := newTestService(t)

	first, err := svc.Create(ctx, link.CreateRequest{Code: "keep", Target: "https://example.com/old"})
	require.NoError(t, err)

	require.NoError(t, db.FlushClicks(ctx, map[string]int64{"keep": 3}))

	clock.Advance(time.Hour)

	second, err := svc.Create(ctx, link.CreateRequest{
		Code:      "keep",
		Target:    "https://example.com/new",
		Overwrite: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/new", second.Target)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Second)
	assert.Equal(t, int64(3), second.ClickCount)
	assert.WithinDuration(t, clock.Now().UTC(), second.UpdatedAt, time.Second)
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	t.Run("invalid code", func(t *testing.T) {
		_, err := svc.Create(ctx, link.CreateRequest{Code: "no spaces!", Target: "https://example.com/"})
		assert.ErrorIs(t, err, database.ErrInvalidCode)
	})

	t.Run("invalid target", func(t *testing.T) {
		_, err := svc.Create(ctx, link.CreateRequest{Target: "ftp://example.com/"})
		assert.ErrorIs(t, err, link.ErrInvalidTarget)
	})

	t.Run("denied host", func(t *testing.T) {
		_, err := svc.Create(ctx, link.CreateRequest{Target: "https://sub.evil.com/"})
		assert.ErrorIs(t, err, link.ErrTargetDenied)
	})

	t.Run("expiry in the past", func(t *testing.T) {
		_, err := svc.Create(ctx, link.CreateRequest{
			Target:    "https://example.com/",
			ExpiresAt: "2020-01-01T00:00:00Z",
		})
		assert.ErrorIs(t, err, helper.ErrExpiryInPast)
	})
}

func TestCreateRandomCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.Create(ctx, link.CreateRequest{Target: "https://example.com/random"})
	require.NoError(t, err)

	assert.Regexp(t, `^[A-Za-z0-9]{6}$`, created.Code)

	resolved, err := svc.Resolve(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/random", resolved.Target)
}

func TestCreateRandomCodeGrowsOnCollision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC))
	c := cache.New(cache.Config{Enabled: true}, clock)

	svc := link.New(db, c, func() link.Settings { return link.Settings{RandomCodeLength: 4} }, clock)
	svc.SetRand(zeroReader{})

	// Occupy the only code the deterministic reader can produce at the
	// configured length so generation has to grow it.
	_, err := svc.Create(ctx, link.CreateRequest{Code: "aaaa", Target: "https://example.com/a"})
	require.NoError(t, err)

	created, err := svc.Create(ctx, link.CreateRequest{Target: "https://example.com/b"})
	require.NoError(t, err)
	assert.Equal(t, "aaaaa", created.Code)
}

func TestCreateRandomCodeGivesUpEventually(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC))
	c := cache.New(cache.Config{Enabled: true}, clock)

	svc := link.New(db, c, func() link.Settings { return link.Settings{RandomCodeLength: 4} }, clock)
	svc.SetRand(zeroReader{})

	for _, code := range []string{"aaaa", "aaaaa", "aaaaaa", "aaaaaaa", "aaaaaaaa"} {
		_, err := svc.Create(ctx, link.CreateRequest{Code: code, Target: "https://example.com/" + code})
		require.NoError(t, err)
	}

	_, err := svc.Create(ctx, link.CreateRequest{Target: "https://example.com/full"})
	require.ErrorIs(t, err, link.ErrNoFreeCode)
}

func TestResolveServesFromCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "hot", Target: "https://example.com/hot"})
	require.NoError(t, err)

	// Remove the row behind the cache's back: a hit proves the lookup
	// never reached storage.
	require.NoError(t, db.DeleteLink(ctx, "hot"))

	resolved, err := svc.Resolve(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hot", resolved.Target)
}

func TestResolveMissConsultsStorageAndFillsCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC))
	c := cache.New(cache.Config{Enabled: true}, clock)
	svc := link.New(db, c, testSettings, clock)

	// Simulate a warm boot: the row exists and the filter knows the
	// code, but the object cache has never seen it.
	now := clock.Now().UTC()
	require.NoError(t, db.CreateLink(ctx, &database.ShortLink{
		Code:      "cold",
		Target:    "https://example.com/cold",
		CreatedAt: now,
		UpdatedAt: now,
	}))
	c.LoadCodes([]string{"cold"})

	resolved, err := svc.Resolve(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cold", resolved.Target)

	// The miss filled the object cache, so the row is no longer needed.
	require.NoError(t, db.DeleteLink(ctx, "cold"))

	resolved, err = svc.Resolve(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cold", resolved.Target)
}

func TestResolveUnknownCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Resolve(ctx, "nosuch")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestResolveRejectsInvalidCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Resolve(ctx, "bad code!")
	require.ErrorIs(t, err, database.ErrInvalidCode)
}

func TestResolveExpiredLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, clock := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{
		Code:      "gone",
		Target:    "https://example.com/gone",
		ExpiresAt: "1h",
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = svc.Resolve(ctx, "gone")
	require.ErrorIs(t, err, database.ErrNotFound)

	// Expiry only blocks the redirect path; the row itself stays until
	// somebody deletes it.
	stored, err := db.GetLink(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/gone", stored.Target)

	_, err = svc.Resolve(ctx, "gone")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestGetReadsStorageDirectly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "fresh", Target: "https://example.com/v1"})
	require.NoError(t, err)

	// Change the row behind the cache's back.
	stored, err := db.GetLink(ctx, "fresh")
	require.NoError(t, err)

	stored.Target = "https://example.com/v2"
	require.NoError(t, db.UpdateLink(ctx, stored))

	got, err := svc.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v2", got.Target)

	// The redirect path still serves the cached copy.
	resolved, err := svc.Resolve(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v1", resolved.Target)
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, clock := newTestService(t)

	created, err := svc.Create(ctx, link.CreateRequest{
		Code:      "merge",
		Target:    "https://example.com/old",
		ExpiresAt: "30d",
		Password:  "hunter2",
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	updated, err := svc.Update(ctx, "merge", link.UpdateRequest{
		Target: ptr("https://example.com/new"),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/new", updated.Target)
	require.NotNil(t, updated.ExpiresAt)
	assert.WithinDuration(t, *created.ExpiresAt, *updated.ExpiresAt, time.Second)
	assert.Equal(t, created.PasswordHash, updated.PasswordHash)
	assert.Equal(t, clock.Now().UTC(), updated.UpdatedAt)

	// The redirect path sees the new target right away.
	resolved, err := svc.Resolve(ctx, "merge")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/new", resolved.Target)
}

func TestUpdateClearsExpiryAndPassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{
		Code:      "clear",
		Target:    "https://example.com/",
		ExpiresAt: "30d",
		Password:  "hunter2",
	})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "clear", link.UpdateRequest{
		ExpiresAt: ptr("never"),
		Password:  ptr(""),
	})
	require.NoError(t, err)

	assert.Nil(t, updated.ExpiresAt)
	assert.Empty(t, updated.PasswordHash)
}

func TestUpdateValidatesNewTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "strict", Target: "https://example.com/"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "strict", link.UpdateRequest{Target: ptr("https://evil.com/")})
	require.ErrorIs(t, err, link.ErrTargetDenied)
}

func TestUpdateMissingLink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Update(ctx, "nosuch", link.UpdateRequest{Target: ptr("https://example.com/")})
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, _ := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "doomed", Target: "https://example.com/"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "doomed"))

	_, err = db.GetLink(ctx, "doomed")
	require.ErrorIs(t, err, database.ErrNotFound)

	_, err = svc.Resolve(ctx, "doomed")
	require.ErrorIs(t, err, database.ErrNotFound)

	require.ErrorIs(t, svc.Delete(ctx, "doomed"), database.ErrNotFound)
}

func TestBatchDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, code := range []string{"bd-1", "bd-2", "bd-3"} {
		_, err := svc.Create(ctx, link.CreateRequest{Code: code, Target: "https://example.com/" + code})
		require.NoError(t, err)
	}

	deleted, err := svc.BatchDelete(ctx, []string{"bd-1", "bd-3", "bd-missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, code := range []string{"bd-1", "bd-3"} {
		_, err := svc.Resolve(ctx, code)
		assert.ErrorIs(t, err, database.ErrNotFound, "code %s", code)
	}

	resolved, err := svc.Resolve(ctx, "bd-2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bd-2", resolved.Target)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, clock := newTestService(t)

	_, err := svc.Create(ctx, link.CreateRequest{Code: "stat-a", Target: "https://example.com/a"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, link.CreateRequest{
		Code:     "stat-b",
		Target:   "https://example.com/b",
		Password: "hunter2",
	})
	require.NoError(t, err)

	require.NoError(t, db.FlushClicks(ctx, map[string]int64{"stat-a": 4}))
	require.NoError(t, db.InsertClickDetails(ctx, []click.Detail{
		{Code: "stat-a", At: clock.Now()},
	}))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Links.TotalLinks)
	assert.Equal(t, int64(4), stats.Links.TotalClicks)
	assert.Equal(t, int64(1), stats.Links.ProtectedLinks)
	assert.Equal(t, int64(1), stats.ClickLogs)
	assert.True(t, stats.Cache.Enabled)
	assert.Equal(t, 2, stats.Cache.Objects)
}
