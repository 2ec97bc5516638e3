package database

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/shortlinker/shortlinker/pkg/click"
)

const (
	// rollupChunkSize bounds both the multi-row upserts and the OR-chained
	// read-back used for the JSON merge, keeping each statement well under
	// every backend's parameter limit.
	rollupChunkSize = 100

	// topEntriesPerMap caps the referrer, country and source maps stored
	// per hourly row.
	topEntriesPerMap = 50
)

// UpsertHourlyCounts folds one flush cycle's counter snapshot into the
// per-link hourly rollup, attributing every count to the given time's
// hour. JSON map columns are left untouched.
func (db *DB) UpsertHourlyCounts(ctx context.Context, counts map[string]int64, at time.Time, opPrefix string) error {
	if len(counts) == 0 {
		return nil
	}

	hour := click.HourBucket(at)

	codes := make([]string, 0, len(counts))

	for code := range counts {
		codes = append(codes, code)
	}

	sort.Strings(codes)

	for chunk := range slices.Chunk(codes, rollupChunkSize) {
		var (
			sb   strings.Builder
			args []any
		)

		sb.WriteString("INSERT INTO click_stats_hourly (code, hour_bucket, clicks, referrers, countries, sources) VALUES ")

		for i, code := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString("(?, ?, ?, '{}', '{}', '{}')")
			args = append(args, code, hour, counts[code])
		}

		switch db.dbType {
		case TypeMySQL:
			sb.WriteString(" ON DUPLICATE KEY UPDATE clicks = clicks + VALUES(clicks)")
		case TypePostgreSQL:
			sb.WriteString(" ON CONFLICT (code, hour_bucket) DO UPDATE SET clicks = click_stats_hourly.clicks + EXCLUDED.clicks")
		default:
			sb.WriteString(" ON CONFLICT (code, hour_bucket) DO UPDATE SET clicks = clicks + excluded.clicks")
		}

		err := withRetry(ctx, opPrefix+"_upsert_hourly_counts", func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, sb.String(), args...)

			return err
		})
		if err != nil {
			return fmt.Errorf("error upserting hourly counts: %w", err)
		}
	}

	return nil
}

// UpsertHourlyDetails merges detail-derived referrer, country and source
// maps into the hourly rollup rows. JSON merge support differs too much
// across backends to do this in SQL, so rows are read back, merged in
// memory and written out again. The flusher is the only writer, so the
// read-modify-write needs no row locks.
func (db *DB) UpsertHourlyDetails(ctx context.Context, agg *click.Aggregate, opPrefix string) error {
	if agg == nil || len(agg.Buckets) == 0 {
		return nil
	}

	buckets := make([]*click.BucketStat, 0, len(agg.Buckets))

	for _, b := range agg.Buckets {
		if len(b.Referrers) > 0 || len(b.Countries) > 0 || len(b.Sources) > 0 {
			buckets = append(buckets, b)
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Code != buckets[j].Code {
			return buckets[i].Code < buckets[j].Code
		}

		return buckets[i].Hour < buckets[j].Hour
	})

	for chunk := range slices.Chunk(buckets, rollupChunkSize) {
		err := withRetry(ctx, opPrefix+"_upsert_hourly_details", func(ctx context.Context) error {
			return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
				return db.mergeHourlyChunk(ctx, tx, chunk)
			})
		})
		if err != nil {
			return fmt.Errorf("error upserting hourly details: %w", err)
		}
	}

	return nil
}

// mergedMaps holds the re-encoded JSON maps for one hourly row, in
// referrers, countries, sources order.
type mergedMaps struct {
	code string
	hour string
	maps [3]string
}

func (db *DB) mergeHourlyChunk(ctx context.Context, tx bun.Tx, chunk []*click.BucketStat) error {
	var rows []*ClickStatsHourly

	err := tx.NewSelect().
		Model(&rows).
		Column("code", "hour_bucket", "referrers", "countries", "sources").
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			for _, b := range chunk {
				q = q.WhereOr("(code = ? AND hour_bucket = ?)", b.Code, b.Hour)
			}

			return q
		}).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("error reading hourly rows for merge: %w", err)
	}

	existing := make(map[click.BucketKey]*ClickStatsHourly, len(rows))

	for _, row := range rows {
		existing[click.BucketKey{Code: row.Code, Hour: row.HourBucket}] = row
	}

	var (
		inserts []*ClickStatsHourly
		updates []mergedMaps
	)

	for _, b := range chunk {
		row := existing[click.BucketKey{Code: b.Code, Hour: b.Hour}]

		var base [3]string

		if row != nil {
			base = [3]string{row.Referrers, row.Countries, row.Sources}
		} else {
			base = [3]string{"{}", "{}", "{}"}
		}

		var merged [3]string

		for i, increments := range []map[string]int64{b.Referrers, b.Countries, b.Sources} {
			merged[i], err = mergeJSONCounts(base[i], increments)
			if err != nil {
				return fmt.Errorf("error merging maps for %q @ %q: %w", b.Code, b.Hour, err)
			}
		}

		if row == nil {
			inserts = append(inserts, &ClickStatsHourly{
				Code:       b.Code,
				HourBucket: b.Hour,
				Clicks:     0,
				Referrers:  merged[0],
				Countries:  merged[1],
				Sources:    merged[2],
			})
		} else {
			updates = append(updates, mergedMaps{code: b.Code, hour: b.Hour, maps: merged})
		}
	}

	if len(inserts) > 0 {
		if _, err := tx.NewInsert().Model(&inserts).Exec(ctx); err != nil {
			return fmt.Errorf("error inserting hourly detail rows: %w", err)
		}
	}

	if len(updates) > 0 {
		query, args := buildHourlyMapUpdate(updates)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("error updating hourly detail rows: %w", err)
		}
	}

	return nil
}

// buildHourlyMapUpdate writes every merged map in one statement using a
// CASE per JSON column keyed on (code, hour_bucket).
func buildHourlyMapUpdate(updates []mergedMaps) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)

	sb.WriteString("UPDATE click_stats_hourly SET ")

	for ci, col := range [3]string{"referrers", "countries", "sources"} {
		if ci > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(col)
		sb.WriteString(" = CASE ")

		for _, u := range updates {
			sb.WriteString("WHEN (code = ? AND hour_bucket = ?) THEN ? ")
			args = append(args, u.code, u.hour, u.maps[ci])
		}

		sb.WriteString("ELSE ")
		sb.WriteString(col)
		sb.WriteString(" END")
	}

	sb.WriteString(" WHERE ")

	for i, u := range updates {
		if i > 0 {
			sb.WriteString(" OR ")
		}

		sb.WriteString("(code = ? AND hour_bucket = ?)")
		args = append(args, u.code, u.hour)
	}

	return sb.String(), args
}

// mergeJSONCounts merges increments into a JSON object of counters and
// re-encodes it, keeping only the top entries.
func mergeJSONCounts(existingJSON string, increments map[string]int64) (string, error) {
	counts := make(map[string]int64)

	if existingJSON != "" && existingJSON != "{}" {
		if err := json.Unmarshal([]byte(existingJSON), &counts); err != nil {
			return "", fmt.Errorf("error decoding rollup map: %w", err)
		}
	}

	for k, n := range increments {
		counts[k] += n
	}

	capTopEntries(counts, topEntriesPerMap)

	out, err := json.Marshal(counts)
	if err != nil {
		return "", fmt.Errorf("error encoding rollup map: %w", err)
	}

	return string(out), nil
}

// capTopEntries trims the map to its n highest counters, breaking count
// ties by key so the result is stable.
func capTopEntries(counts map[string]int64, n int) {
	if len(counts) <= n {
		return
	}

	keys := make([]string, 0, len(counts))

	for k := range counts {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}

		return keys[i] < keys[j]
	})

	for _, k := range keys[n:] {
		delete(counts, k)
	}
}

// UpsertGlobalHourly records one flush cycle in the service-wide hourly
// row. Clicks accumulate; uniqueLinks is last-writer-wins.
func (db *DB) UpsertGlobalHourly(ctx context.Context, hourBucket string, clicks, uniqueLinks int64, opPrefix string) error {
	var query string

	switch db.dbType {
	case TypeMySQL:
		query = `INSERT INTO click_stats_global_hourly (hour_bucket, clicks, unique_links) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE clicks = clicks + VALUES(clicks), unique_links = VALUES(unique_links)`
	case TypePostgreSQL:
		query = `INSERT INTO click_stats_global_hourly (hour_bucket, clicks, unique_links) VALUES (?, ?, ?)
			ON CONFLICT (hour_bucket) DO UPDATE SET
				clicks = click_stats_global_hourly.clicks + EXCLUDED.clicks,
				unique_links = EXCLUDED.unique_links`
	default:
		query = `INSERT INTO click_stats_global_hourly (hour_bucket, clicks, unique_links) VALUES (?, ?, ?)
			ON CONFLICT (hour_bucket) DO UPDATE SET
				clicks = clicks + excluded.clicks,
				unique_links = excluded.unique_links`
	}

	err := withRetry(ctx, opPrefix+"_upsert_global_hourly", func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, query, hourBucket, clicks, uniqueLinks)

		return err
	})
	if err != nil {
		return fmt.Errorf("error upserting global hourly row: %w", err)
	}

	return nil
}

// RollupDaily recomputes the daily rollup for one UTC day from the hourly
// table. The write overwrites instead of incrementing, so reruns are
// idempotent.
func (db *DB) RollupDaily(ctx context.Context, day time.Time) error {
	day = day.UTC()
	from := day.Format("2006-01-02") + " 00:00"
	to := day.AddDate(0, 0, 1).Format("2006-01-02") + " 00:00"

	var sb strings.Builder

	sb.WriteString("INSERT INTO click_stats_daily (code, day_bucket, clicks) ")
	sb.WriteString("SELECT code, substr(hour_bucket, 1, 10), SUM(clicks) FROM click_stats_hourly ")
	sb.WriteString("WHERE hour_bucket >= ? AND hour_bucket < ? ")
	sb.WriteString("GROUP BY code, substr(hour_bucket, 1, 10)")

	switch db.dbType {
	case TypeMySQL:
		sb.WriteString(" ON DUPLICATE KEY UPDATE clicks = VALUES(clicks)")
	default:
		sb.WriteString(" ON CONFLICT (code, day_bucket) DO UPDATE SET clicks = excluded.clicks")
	}

	err := withRetry(ctx, "rollup_daily", func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, sb.String(), from, to)

		return err
	})
	if err != nil {
		return fmt.Errorf("error rolling up day %s: %w", day.Format("2006-01-02"), err)
	}

	return nil
}

// GetHourlyStats returns the hourly rollup rows for one code within
// [from, to), ordered by hour.
func (db *DB) GetHourlyStats(ctx context.Context, code, from, to string) ([]*ClickStatsHourly, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	var rows []*ClickStatsHourly

	err := withRetry(ctx, "get_hourly_stats", func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewSelect().
			Model(&rows).
			Where("code = ?", code).
			Where("hour_bucket >= ? AND hour_bucket < ?", from, to).
			Order("hour_bucket ASC").
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading hourly stats for %q: %w", code, err)
	}

	return rows, nil
}
