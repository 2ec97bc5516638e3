package link_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
)

func TestExportStreamWalksEverythingInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, db, clock := newTestService(t)

	// More rows than one page so the keyset loop has to advance.
	const total = 1005

	now := clock.Now().UTC()
	links := make([]*database.ShortLink, 0, total)

	for i := range total {
		links = append(links, &database.ShortLink{
			Code:      fmt.Sprintf("code-%04d", i),
			Target:    fmt.Sprintf("https://example.com/%d", i),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	require.NoError(t, db.BatchInsertLinks(ctx, links))

	var codes []string

	err := svc.ExportStream(ctx, func(l *database.ShortLink) error {
		codes = append(codes, l.Code)

		return nil
	})
	require.NoError(t, err)

	require.Len(t, codes, total)
	assert.Equal(t, "code-0000", codes[0])
	assert.Equal(t, "code-1004", codes[total-1])
	assert.IsIncreasing(t, codes)
}

func TestExportStreamStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, code := range []string{"es-1", "es-2", "es-3"} {
		_, err := svc.Create(ctx, link.CreateRequest{Code: code, Target: "https://example.com/" + code})
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	seen := 0

	err := svc.ExportStream(ctx, func(*database.ShortLink) error {
		seen++
		if seen == 2 {
			return boom
		}

		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen)
}

func TestCSVRecord(t *testing.T) {
	t.Parallel()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	l := &database.ShortLink{
		Code:         "row",
		Target:       "https://example.com/row",
		CreatedAt:    time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC),
		ExpiresAt:    &expires,
		PasswordHash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		ClickCount:   42,
	}

	assert.Equal(t, []string{
		"row",
		"https://example.com/row",
		"2024-03-07T12:00:00Z",
		"2030-01-02T03:04:05Z",
		"$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"42",
	}, link.CSVRecord(l))

	l.ExpiresAt = nil
	assert.Empty(t, link.CSVRecord(l)[3])

	assert.Equal(t,
		[]string{"code", "target", "created_at", "expires_at", "password", "click_count"},
		link.CSVHeader())
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src, srcDB, _ := newTestService(t)

	_, err := src.Create(ctx, link.CreateRequest{
		Code:      "rt-protected",
		Target:    "https://example.com/protected",
		ExpiresAt: "30d",
		Password:  "hunter2",
	})
	require.NoError(t, err)

	_, err = src.Create(ctx, link.CreateRequest{Code: "rt-plain", Target: "https://example.com/plain"})
	require.NoError(t, err)

	require.NoError(t, srcDB.FlushClicks(ctx, map[string]int64{"rt-plain": 9}))

	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	require.NoError(t, w.Write(link.CSVHeader()))

	require.NoError(t, src.ExportStream(ctx, func(l *database.ShortLink) error {
		return w.Write(link.CSVRecord(l))
	}))

	w.Flush()
	require.NoError(t, w.Error())

	dst, dstDB, _ := newTestService(t)

	rows, err := link.ReadCSV(&buf)
	require.NoError(t, err)

	res, err := dst.Import(ctx, rows, link.ImportError)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	orig, err := srcDB.GetLink(ctx, "rt-protected")
	require.NoError(t, err)

	copied, err := dstDB.GetLink(ctx, "rt-protected")
	require.NoError(t, err)

	assert.Equal(t, orig.Target, copied.Target)
	assert.Equal(t, orig.PasswordHash, copied.PasswordHash)
	require.NotNil(t, copied.ExpiresAt)
	assert.WithinDuration(t, *orig.ExpiresAt, *copied.ExpiresAt, time.Second)
	assert.WithinDuration(t, orig.CreatedAt, copied.CreatedAt, time.Second)

	plain, err := dstDB.GetLink(ctx, "rt-plain")
	require.NoError(t, err)
	assert.Equal(t, int64(9), plain.ClickCount)
}
