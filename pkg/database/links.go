package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/zeebo/blake3"
)

// batchChunkSize bounds how many codes a single statement may carry.
const batchChunkSize = 500

// LinkStatus filters lists by expiry state.
type LinkStatus string

const (
	StatusAll     LinkStatus = "all"
	StatusActive  LinkStatus = "active"
	StatusExpired LinkStatus = "expired"
)

// ListQuery describes a paginated link listing.
type ListQuery struct {
	// Search substring-matches code and target.
	Search string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Status LinkStatus

	// Sort is one of created_at, updated_at, code, click_count.
	Sort string
	// Order is asc or desc.
	Order string

	Limit  int
	Offset int

	// Now anchors the expiry comparison; zero means time.Now in UTC.
	Now time.Time
}

// LinkStats summarizes the link table.
type LinkStats struct {
	TotalLinks     int64 `bun:"total_links"`
	TotalClicks    int64 `bun:"total_clicks"`
	ActiveLinks    int64 `bun:"active_links"`
	ProtectedLinks int64 `bun:"protected_links"`
	ExpiredLinks   int64 `bun:"-"`
}

// CreateLink inserts a new link. A taken code yields ErrCodeExists.
func (db *DB) CreateLink(ctx context.Context, link *ShortLink) error {
	if err := ValidateCode(link.Code); err != nil {
		return err
	}

	err := withRetry(ctx, "create_link", func(ctx context.Context) error {
		_, err := db.NewInsert().Model(link).Exec(ctx)

		return err
	})
	if err != nil {
		if IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", ErrCodeExists, link.Code)
		}

		return fmt.Errorf("error inserting the link %q: %w", link.Code, err)
	}

	db.listCounts.Purge()

	return nil
}

// GetLink fetches one link by code.
func (db *DB) GetLink(ctx context.Context, code string) (*ShortLink, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	link := new(ShortLink)

	err := withRetry(ctx, "get_link", func(ctx context.Context) error {
		return db.NewSelect().Model(link).Where("code = ?", code).Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, code)
		}

		return nil, fmt.Errorf("error fetching the link %q: %w", code, err)
	}

	return link, nil
}

// BatchGetLinks fetches many links at once, chunking the IN list. Codes
// with no row are simply absent from the result.
func (db *DB) BatchGetLinks(ctx context.Context, codes []string) (map[string]*ShortLink, error) {
	if err := ValidateCodes(codes); err != nil {
		return nil, err
	}

	out := make(map[string]*ShortLink, len(codes))

	for chunk := range slices.Chunk(codes, batchChunkSize) {
		var links []*ShortLink

		err := withRetry(ctx, "batch_get_links", func(ctx context.Context) error {
			links = links[:0]

			return db.NewSelect().
				Model(&links).
				Where("code IN (?)", bun.In(chunk)).
				Scan(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("error fetching links: %w", err)
		}

		for _, l := range links {
			out[l.Code] = l
		}
	}

	return out, nil
}

// UpdateLink persists target, expiry and password changes for an existing
// row. Callers fetch-and-merge first, so affected-row counting is not used
// to detect missing rows here.
func (db *DB) UpdateLink(ctx context.Context, link *ShortLink) error {
	if err := ValidateCode(link.Code); err != nil {
		return err
	}

	err := withRetry(ctx, "update_link", func(ctx context.Context) error {
		_, err := db.NewUpdate().
			Model(link).
			Column("target", "updated_at", "expires_at", "password_hash").
			WherePK().
			Exec(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("error updating the link %q: %w", link.Code, err)
	}

	return nil
}

// DeleteLink removes one link. Missing rows yield ErrNotFound.
func (db *DB) DeleteLink(ctx context.Context, code string) error {
	if err := ValidateCode(code); err != nil {
		return err
	}

	var affected int64

	err := withRetry(ctx, "delete_link", func(ctx context.Context) error {
		res, err := db.NewDelete().
			Model((*ShortLink)(nil)).
			Where("code = ?", code).
			Exec(ctx)
		if err != nil {
			return err
		}

		affected, err = res.RowsAffected()

		return err
	})
	if err != nil {
		return fmt.Errorf("error deleting the link %q: %w", code, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, code)
	}

	db.listCounts.Purge()

	return nil
}

// BatchDeleteLinks removes many links and returns how many rows went away.
func (db *DB) BatchDeleteLinks(ctx context.Context, codes []string) (int64, error) {
	if err := ValidateCodes(codes); err != nil {
		return 0, err
	}

	var total int64

	for chunk := range slices.Chunk(codes, batchChunkSize) {
		err := withRetry(ctx, "batch_delete_links", func(ctx context.Context) error {
			res, err := db.NewDelete().
				Model((*ShortLink)(nil)).
				Where("code IN (?)", bun.In(chunk)).
				Exec(ctx)
			if err != nil {
				return err
			}

			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}

			total += affected

			return nil
		})
		if err != nil {
			return total, fmt.Errorf("error deleting links: %w", err)
		}
	}

	db.listCounts.Purge()

	return total, nil
}

// BatchInsertLinks inserts rows in chunks inside a transaction per chunk.
// Any duplicate code fails the chunk with ErrCodeExists.
func (db *DB) BatchInsertLinks(ctx context.Context, links []*ShortLink) error {
	for _, l := range links {
		if err := ValidateCode(l.Code); err != nil {
			return err
		}
	}

	for chunk := range slices.Chunk(links, batchChunkSize) {
		err := withRetry(ctx, "batch_insert_links", func(ctx context.Context) error {
			_, err := db.NewInsert().Model(&chunk).Exec(ctx)

			return err
		})
		if err != nil {
			if IsDuplicateKeyError(err) {
				return fmt.Errorf("%w in batch insert", ErrCodeExists)
			}

			return fmt.Errorf("error inserting links: %w", err)
		}
	}

	db.listCounts.Purge()

	return nil
}

// BatchUpsertLinks inserts rows, updating target, expiry, password and
// updated_at on conflict. created_at and click_count of existing rows are
// preserved.
func (db *DB) BatchUpsertLinks(ctx context.Context, links []*ShortLink) error {
	for _, l := range links {
		if err := ValidateCode(l.Code); err != nil {
			return err
		}
	}

	for chunk := range slices.Chunk(links, batchChunkSize) {
		err := withRetry(ctx, "batch_upsert_links", func(ctx context.Context) error {
			q := db.NewInsert().Model(&chunk)

			if db.dbType == TypeMySQL {
				q = q.On("DUPLICATE KEY UPDATE").
					Set("target = VALUES(target)").
					Set("updated_at = VALUES(updated_at)").
					Set("expires_at = VALUES(expires_at)").
					Set("password_hash = VALUES(password_hash)")
			} else {
				q = q.On("CONFLICT (code) DO UPDATE").
					Set("target = EXCLUDED.target").
					Set("updated_at = EXCLUDED.updated_at").
					Set("expires_at = EXCLUDED.expires_at").
					Set("password_hash = EXCLUDED.password_hash")
			}

			_, err := q.Exec(ctx)

			return err
		})
		if err != nil {
			return fmt.Errorf("error upserting links: %w", err)
		}
	}

	db.listCounts.Purge()

	return nil
}

// UpsertLink is the single-row variant of BatchUpsertLinks.
func (db *DB) UpsertLink(ctx context.Context, link *ShortLink) error {
	return db.BatchUpsertLinks(ctx, []*ShortLink{link})
}

// BatchCheckCodesExist returns the subset of codes that already have rows.
func (db *DB) BatchCheckCodesExist(ctx context.Context, codes []string) (map[string]struct{}, error) {
	if err := ValidateCodes(codes); err != nil {
		return nil, err
	}

	exists := make(map[string]struct{})

	for chunk := range slices.Chunk(codes, batchChunkSize) {
		var found []string

		err := withRetry(ctx, "batch_check_codes", func(ctx context.Context) error {
			found = found[:0]

			return db.NewSelect().
				Model((*ShortLink)(nil)).
				Column("code").
				Where("code IN (?)", bun.In(chunk)).
				Scan(ctx, &found)
		})
		if err != nil {
			return nil, fmt.Errorf("error checking codes: %w", err)
		}

		for _, code := range found {
			exists[code] = struct{}{}
		}
	}

	return exists, nil
}

// ListLinks returns one page of links plus the total row count for the
// filter. Totals come from a short-lived cache so dashboard polling does
// not re-run COUNT(*) on every request.
func (db *DB) ListLinks(ctx context.Context, q ListQuery) ([]*ShortLink, int64, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	apply := func(sq *bun.SelectQuery) *bun.SelectQuery {
		if q.Search != "" {
			pattern := "%" + escapeLike(q.Search) + "%"
			sq = sq.Where("(code LIKE ? ESCAPE '!' OR target LIKE ? ESCAPE '!')", pattern, pattern)
		}

		if q.CreatedAfter != nil {
			sq = sq.Where("created_at >= ?", q.CreatedAfter.UTC())
		}

		if q.CreatedBefore != nil {
			sq = sq.Where("created_at <= ?", q.CreatedBefore.UTC())
		}

		switch q.Status {
		case StatusActive:
			sq = sq.Where("(expires_at IS NULL OR expires_at > ?)", now)
		case StatusExpired:
			sq = sq.Where("(expires_at IS NOT NULL AND expires_at <= ?)", now)
		case StatusAll, "":
		}

		return sq
	}

	var links []*ShortLink

	err := withRetry(ctx, "list_links", func(ctx context.Context) error {
		links = links[:0]

		return apply(db.NewSelect().Model(&links)).
			OrderExpr(listOrderExpr(q.Sort, q.Order)).
			Limit(q.Limit).
			Offset(q.Offset).
			Scan(ctx)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("error listing links: %w", err)
	}

	total, err := db.listTotal(ctx, q, apply)
	if err != nil {
		return nil, 0, err
	}

	return links, total, nil
}

func (db *DB) listTotal(
	ctx context.Context,
	q ListQuery,
	apply func(*bun.SelectQuery) *bun.SelectQuery,
) (int64, error) {
	key := listCountKey(q)
	if total, ok := db.listCounts.Get(key); ok {
		return total, nil
	}

	var total int64

	err := withRetry(ctx, "count_links", func(ctx context.Context) error {
		n, err := apply(db.NewSelect().Model((*ShortLink)(nil))).Count(ctx)
		if err != nil {
			return err
		}

		total = int64(n)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error counting links: %w", err)
	}

	db.listCounts.Add(key, total)

	return total, nil
}

// listCountKey fingerprints the filter portion of a ListQuery. Pagination
// offsets do not change the total, so they stay out of the key.
func listCountKey(q ListQuery) string {
	var sb strings.Builder

	sb.WriteString(q.Search)
	sb.WriteByte(0)
	sb.WriteString(string(q.Status))
	sb.WriteByte(0)

	if q.CreatedAfter != nil {
		sb.WriteString(q.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}

	sb.WriteByte(0)

	if q.CreatedBefore != nil {
		sb.WriteString(q.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}

	sum := blake3.Sum256([]byte(sb.String()))

	return fmt.Sprintf("%x", sum[:16])
}

func listOrderExpr(sortBy, order string) string {
	switch sortBy {
	case "code", "updated_at", "click_count", "created_at":
	default:
		sortBy = "created_at"
	}

	if order != "asc" {
		order = "desc"
	}

	return sortBy + " " + strings.ToUpper(order)
}

// escapeLike neutralizes LIKE wildcards using '!' as the escape character,
// which reads identically across all three backends.
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

	return r.Replace(s)
}

// StreamLinks returns up to limit links with codes strictly after
// afterCode, ordered by code. An empty afterCode starts from the
// beginning.
func (db *DB) StreamLinks(ctx context.Context, afterCode string, limit int) ([]*ShortLink, error) {
	var links []*ShortLink

	err := withRetry(ctx, "stream_links", func(ctx context.Context) error {
		links = links[:0]

		return db.NewSelect().
			Model(&links).
			Where("code > ?", afterCode).
			Order("code ASC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error streaming links: %w", err)
	}

	return links, nil
}

// LoadAllCodes returns every code in the table, for filter rebuilds.
func (db *DB) LoadAllCodes(ctx context.Context) ([]string, error) {
	var codes []string

	err := withRetry(ctx, "load_all_codes", func(ctx context.Context) error {
		codes = codes[:0]

		return db.NewSelect().
			Model((*ShortLink)(nil)).
			Column("code").
			Order("code ASC").
			Scan(ctx, &codes)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading codes: %w", err)
	}

	return codes, nil
}

// RecentLinks returns the n most recently created links, for cache warming.
func (db *DB) RecentLinks(ctx context.Context, n int) ([]*ShortLink, error) {
	var links []*ShortLink

	err := withRetry(ctx, "recent_links", func(ctx context.Context) error {
		links = links[:0]

		return db.NewSelect().
			Model(&links).
			Order("created_at DESC").
			Limit(n).
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading recent links: %w", err)
	}

	return links, nil
}

// CountLinks returns the total number of links.
func (db *DB) CountLinks(ctx context.Context) (int64, error) {
	var total int64

	err := withRetry(ctx, "count_all_links", func(ctx context.Context) error {
		n, err := db.NewSelect().Model((*ShortLink)(nil)).Count(ctx)
		if err != nil {
			return err
		}

		total = int64(n)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error counting links: %w", err)
	}

	return total, nil
}

// FlushClicks adds the buffered click counts to click_count in one UPDATE
// per chunk, using a CASE expression keyed by code. Codes whose rows are
// gone no-op silently.
func (db *DB) FlushClicks(ctx context.Context, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}

	codes := make([]string, 0, len(counts))

	for code := range counts {
		if err := ValidateCode(code); err != nil {
			zerolog.Ctx(ctx).Warn().Str("code", code).Msg("dropping invalid code from click flush")

			continue
		}

		codes = append(codes, code)
	}

	sort.Strings(codes)

	for chunk := range slices.Chunk(codes, batchChunkSize) {
		var (
			sb   strings.Builder
			args []any
		)

		sb.WriteString("UPDATE short_links SET click_count = click_count + CASE code ")

		for _, code := range chunk {
			sb.WriteString("WHEN ? THEN ? ")
			args = append(args, code, counts[code])
		}

		sb.WriteString("ELSE 0 END WHERE code IN (?)")
		args = append(args, bun.In(chunk))

		query := sb.String()

		err := withRetry(ctx, "flush_clicks", func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, query, args...)

			return err
		})
		if err != nil {
			return fmt.Errorf("error flushing clicks: %w", err)
		}
	}

	return nil
}

// GetLinkStats aggregates link counts for the stats endpoints.
func (db *DB) GetLinkStats(ctx context.Context) (*LinkStats, error) {
	stats := new(LinkStats)
	now := time.Now().UTC()

	err := withRetry(ctx, "link_stats", func(ctx context.Context) error {
		return db.NewRaw(`
			SELECT
				COUNT(*) AS total_links,
				COALESCE(SUM(click_count), 0) AS total_clicks,
				COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN 1 ELSE 0 END), 0) AS active_links,
				COALESCE(SUM(CASE WHEN password_hash IS NOT NULL AND password_hash <> '' THEN 1 ELSE 0 END), 0) AS protected_links
			FROM short_links`, now).
			Scan(ctx, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("error computing link stats: %w", err)
	}

	stats.ExpiredLinks = stats.TotalLinks - stats.ActiveLinks

	return stats, nil
}
