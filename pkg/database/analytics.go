package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/helper"
)

// Granularity selects the bucket size for trend queries.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// ParseGranularity validates a user-supplied granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return Granularity(s), nil
	case "":
		return GranularityDay, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// TrendPoint is one bucket of a trend series.
type TrendPoint struct {
	Bucket string `bun:"bucket" json:"bucket"`
	Clicks int64  `bun:"clicks" json:"clicks"`
}

// CodeClicks pairs a code with a click total.
type CodeClicks struct {
	Code   string `bun:"code" json:"code"`
	Clicks int64  `bun:"clicks" json:"clicks"`
}

// NameCount pairs a grouped value (referrer, source, user agent) with its
// occurrence count.
type NameCount struct {
	Name  string `bun:"name" json:"name"`
	Count int64  `bun:"cnt" json:"count"`
}

const defaultTopLimit = 10

// ClickTrends returns a click time series bucketed by the granularity. An
// empty code means the service-wide series. Hour buckets read the rollup
// rows directly; coarser buckets fold day totals in Go so week and month
// grouping behaves the same on every backend.
func (db *DB) ClickTrends(
	ctx context.Context,
	code string,
	granularity Granularity,
	from, to time.Time,
) ([]TrendPoint, error) {
	if code != "" {
		if err := ValidateCode(code); err != nil {
			return nil, err
		}
	}

	fromHour := click.HourBucket(from)
	toHour := click.HourBucket(to)

	if granularity == GranularityHour {
		return db.hourTrends(ctx, code, fromHour, toHour)
	}

	days, err := db.dayTotals(ctx, code, from, to)
	if err != nil {
		return nil, err
	}

	return regroupDays(days, granularity)
}

func (db *DB) hourTrends(ctx context.Context, code, fromHour, toHour string) ([]TrendPoint, error) {
	var points []TrendPoint

	err := withRetry(ctx, "click_trends_hour", func(ctx context.Context) error {
		points = points[:0]

		if code == "" {
			return db.NewRaw(`
				SELECT hour_bucket AS bucket, clicks
				FROM click_stats_global_hourly
				WHERE hour_bucket >= ? AND hour_bucket < ?
				ORDER BY bucket ASC`, fromHour, toHour).
				Scan(ctx, &points)
		}

		return db.NewRaw(`
			SELECT hour_bucket AS bucket, clicks
			FROM click_stats_hourly
			WHERE code = ? AND hour_bucket >= ? AND hour_bucket < ?
			ORDER BY bucket ASC`, code, fromHour, toHour).
			Scan(ctx, &points)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading hourly trends: %w", err)
	}

	return points, nil
}

// dayTotals sums clicks per UTC day. Day rows come straight from the
// hourly rollups rather than the nightly daily table so the current day is
// always included.
func (db *DB) dayTotals(ctx context.Context, code string, from, to time.Time) (map[string]int64, error) {
	fromHour := click.HourBucket(from)
	toHour := click.HourBucket(to)

	var points []TrendPoint

	err := withRetry(ctx, "click_trends_day", func(ctx context.Context) error {
		points = points[:0]

		if code == "" {
			return db.NewRaw(`
				SELECT substr(hour_bucket, 1, 10) AS bucket, SUM(clicks) AS clicks
				FROM click_stats_global_hourly
				WHERE hour_bucket >= ? AND hour_bucket < ?
				GROUP BY substr(hour_bucket, 1, 10)`, fromHour, toHour).
				Scan(ctx, &points)
		}

		return db.NewRaw(`
			SELECT substr(hour_bucket, 1, 10) AS bucket, SUM(clicks) AS clicks
			FROM click_stats_hourly
			WHERE code = ? AND hour_bucket >= ? AND hour_bucket < ?
			GROUP BY substr(hour_bucket, 1, 10)`, code, fromHour, toHour).
			Scan(ctx, &points)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading daily trends: %w", err)
	}

	days := make(map[string]int64, len(points))

	for _, p := range points {
		days[p.Bucket] += p.Clicks
	}

	return days, nil
}

func regroupDays(days map[string]int64, granularity Granularity) ([]TrendPoint, error) {
	grouped := make(map[string]int64, len(days))

	for day, clicks := range days {
		var bucket string

		switch granularity {
		case GranularityDay:
			bucket = day
		case GranularityMonth:
			if len(day) < 7 {
				return nil, fmt.Errorf("malformed day bucket %q", day)
			}

			bucket = day[:7]
		case GranularityWeek:
			t, err := time.Parse("2006-01-02", day)
			if err != nil {
				return nil, fmt.Errorf("malformed day bucket %q: %w", day, err)
			}

			year, week := t.ISOWeek()
			bucket = fmt.Sprintf("%04d-W%02d", year, week)
		default:
			return nil, fmt.Errorf("unknown granularity %q", granularity)
		}

		grouped[bucket] += clicks
	}

	points := make([]TrendPoint, 0, len(grouped))

	for bucket, clicks := range grouped {
		points = append(points, TrendPoint{Bucket: bucket, Clicks: clicks})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Bucket < points[j].Bucket })

	return points, nil
}

// TopLinks returns the most clicked codes within [from, to).
func (db *DB) TopLinks(ctx context.Context, from, to time.Time, limit int) ([]CodeClicks, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}

	var rows []CodeClicks

	err := withRetry(ctx, "top_links", func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewRaw(`
			SELECT code, SUM(clicks) AS clicks
			FROM click_stats_hourly
			WHERE hour_bucket >= ? AND hour_bucket < ?
			GROUP BY code
			ORDER BY clicks DESC, code ASC
			LIMIT ?`, click.HourBucket(from), click.HourBucket(to), limit).
			Scan(ctx, &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading top links: %w", err)
	}

	return rows, nil
}

// maxDistinctReferrers bounds the Go-side domain fold in TopReferrers.
// Referrers past the busiest 1000 distinct values drop out of the fold.
const maxDistinctReferrers = 1000

// TopReferrers groups the detail log by registrable referrer domain, the
// same key the hourly rollup maps use. Clicks without a referrer are
// excluded; pass an empty code for the service-wide view.
func (db *DB) TopReferrers(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}

	rows, err := db.topDetailColumn(ctx, "referrer", code, from, to, maxDistinctReferrers)
	if err != nil {
		return nil, err
	}

	domains := make(map[string]int64, len(rows))

	for _, row := range rows {
		if domain := helper.RegistrableDomain(row.Name); domain != "" {
			domains[domain] += row.Count
		}
	}

	out := make([]NameCount, 0, len(domains))

	for name, count := range domains {
		out = append(out, NameCount{Name: name, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Name < out[j].Name
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// TopSources groups the detail log by traffic source.
func (db *DB) TopSources(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	return db.topDetailColumn(ctx, "source", code, from, to, limit)
}

// TopCountries groups the detail log by country code.
func (db *DB) TopCountries(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	return db.topDetailColumn(ctx, "country", code, from, to, limit)
}

func (db *DB) topDetailColumn(
	ctx context.Context,
	column, code string,
	from, to time.Time,
	limit int,
) ([]NameCount, error) {
	if code != "" {
		if err := ValidateCode(code); err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = defaultTopLimit
	}

	query := `SELECT ` + column + ` AS name, COUNT(*) AS cnt
		FROM click_log
		WHERE created_at >= ? AND created_at < ? AND ` + column + ` <> ''`
	args := []any{from.UTC(), to.UTC()}

	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}

	query += ` GROUP BY ` + column + ` ORDER BY cnt DESC, name ASC LIMIT ?`
	args = append(args, limit)

	var rows []NameCount

	err := withRetry(ctx, "top_"+column, func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewRaw(query, args...).Scan(ctx, &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading top %ss: %w", column, err)
	}

	return rows, nil
}

// TopUserAgents groups the detail log by user agent.
func (db *DB) TopUserAgents(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	if code != "" {
		if err := ValidateCode(code); err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = defaultTopLimit
	}

	query := `SELECT ua.user_agent AS name, COUNT(*) AS cnt
		FROM click_log cl
		JOIN user_agent ua ON ua.id = cl.user_agent_id
		WHERE cl.created_at >= ? AND cl.created_at < ?`
	args := []any{from.UTC(), to.UTC()}

	if code != "" {
		query += " AND cl.code = ?"
		args = append(args, code)
	}

	query += ` GROUP BY ua.user_agent ORDER BY cnt DESC, name ASC LIMIT ?`
	args = append(args, limit)

	var rows []NameCount

	err := withRetry(ctx, "top_user_agents", func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewRaw(query, args...).Scan(ctx, &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading top user agents: %w", err)
	}

	return rows, nil
}

// Rollup-table variants of the top queries. They survive click_log
// retention but only see the capped per-hour maps, so counts are
// approximate for heavy tails.

// RollupTopReferrers merges the hourly referrer maps within [from, to).
func (db *DB) RollupTopReferrers(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	return db.rollupTop(ctx, "referrers", code, from, to, limit)
}

// RollupTopCountries merges the hourly country maps within [from, to).
func (db *DB) RollupTopCountries(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	return db.rollupTop(ctx, "countries", code, from, to, limit)
}

// RollupTopSources merges the hourly source maps within [from, to).
func (db *DB) RollupTopSources(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error) {
	return db.rollupTop(ctx, "sources", code, from, to, limit)
}

func (db *DB) rollupTop(
	ctx context.Context,
	column, code string,
	from, to time.Time,
	limit int,
) ([]NameCount, error) {
	if code != "" {
		if err := ValidateCode(code); err != nil {
			return nil, err
		}
	}

	if limit <= 0 {
		limit = defaultTopLimit
	}

	var rows []*ClickStatsHourly

	err := withRetry(ctx, "rollup_top_"+column, func(ctx context.Context) error {
		rows = rows[:0]

		q := db.NewSelect().
			Model(&rows).
			Column("code", "hour_bucket", column).
			Where("hour_bucket >= ? AND hour_bucket < ?", click.HourBucket(from), click.HourBucket(to))

		if code != "" {
			q = q.Where("code = ?", code)
		}

		return q.Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading rollup %s: %w", column, err)
	}

	merged := make(map[string]int64)

	for _, row := range rows {
		var raw string

		switch column {
		case "referrers":
			raw = row.Referrers
		case "countries":
			raw = row.Countries
		case "sources":
			raw = row.Sources
		}

		if raw == "" || raw == "{}" {
			continue
		}

		counts := make(map[string]int64)

		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			return nil, fmt.Errorf("error decoding rollup %s for %q @ %q: %w", column, row.Code, row.HourBucket, err)
		}

		for k, n := range counts {
			merged[k] += n
		}
	}

	out := make([]NameCount, 0, len(merged))

	for name, count := range merged {
		out = append(out, NameCount{Name: name, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Name < out[j].Name
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// ClickLogRow is one detail row joined with its user agent, for the
// analytics export.
type ClickLogRow struct {
	ID        int64     `bun:"id" json:"id"`
	Code      string    `bun:"code" json:"code"`
	CreatedAt time.Time `bun:"created_at" json:"created_at"`
	Referrer  string    `bun:"referrer" json:"referrer"`
	Source    string    `bun:"source" json:"source"`
	IP        string    `bun:"ip" json:"ip"`
	Country   string    `bun:"country" json:"country"`
	City      string    `bun:"city" json:"city"`
	UserAgent string    `bun:"user_agent" json:"user_agent"`
}

// StreamClickLogs returns up to limit detail rows within [from, to) with
// ids strictly after afterID, ordered by id, for cursor-paginated export.
func (db *DB) StreamClickLogs(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]ClickLogRow, error) {
	var rows []ClickLogRow

	err := withRetry(ctx, "stream_click_logs", func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewRaw(`
			SELECT cl.id, cl.code, cl.created_at,
				COALESCE(cl.referrer, '') AS referrer,
				cl.source,
				COALESCE(cl.ip, '') AS ip,
				COALESCE(cl.country, '') AS country,
				COALESCE(cl.city, '') AS city,
				COALESCE(ua.user_agent, '') AS user_agent
			FROM click_log cl
			LEFT JOIN user_agent ua ON ua.id = cl.user_agent_id
			WHERE cl.created_at >= ? AND cl.created_at < ? AND cl.id > ?
			ORDER BY cl.id ASC
			LIMIT ?`, from.UTC(), to.UTC(), afterID, limit).
			Scan(ctx, &rows)
	})
	if err != nil {
		return nil, fmt.Errorf("error streaming click logs: %w", err)
	}

	return rows, nil
}

// CountClickLogs returns the detail log row count, for the stats endpoint.
func (db *DB) CountClickLogs(ctx context.Context) (int64, error) {
	var total int64

	err := withRetry(ctx, "count_click_logs", func(ctx context.Context) error {
		n, err := db.NewSelect().Model((*ClickLog)(nil)).Count(ctx)
		if err != nil {
			return err
		}

		total = int64(n)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error counting click logs: %w", err)
	}

	return total, nil
}
