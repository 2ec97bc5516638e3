package database

import (
	"context"
	"time"

	"github.com/shortlinker/shortlinker/pkg/click"
)

// Querier is the full storage surface. Services depend on this interface
// rather than *DB so tests can substitute fakes for single methods.
type Querier interface {
	// Links.
	CreateLink(ctx context.Context, link *ShortLink) error
	GetLink(ctx context.Context, code string) (*ShortLink, error)
	BatchGetLinks(ctx context.Context, codes []string) (map[string]*ShortLink, error)
	UpdateLink(ctx context.Context, link *ShortLink) error
	DeleteLink(ctx context.Context, code string) error
	BatchDeleteLinks(ctx context.Context, codes []string) (int64, error)
	BatchInsertLinks(ctx context.Context, links []*ShortLink) error
	BatchUpsertLinks(ctx context.Context, links []*ShortLink) error
	UpsertLink(ctx context.Context, link *ShortLink) error
	BatchCheckCodesExist(ctx context.Context, codes []string) (map[string]struct{}, error)
	ListLinks(ctx context.Context, q ListQuery) ([]*ShortLink, int64, error)
	StreamLinks(ctx context.Context, afterCode string, limit int) ([]*ShortLink, error)
	LoadAllCodes(ctx context.Context) ([]string, error)
	RecentLinks(ctx context.Context, n int) ([]*ShortLink, error)
	CountLinks(ctx context.Context) (int64, error)
	GetLinkStats(ctx context.Context) (*LinkStats, error)

	// Clicks and rollups.
	FlushClicks(ctx context.Context, counts map[string]int64) error
	GetOrCreateUserAgentIDs(ctx context.Context, agents []string) (map[string]int64, error)
	InsertClickDetails(ctx context.Context, details []click.Detail) error
	PurgeClickLogsBefore(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error)
	UpsertHourlyCounts(ctx context.Context, counts map[string]int64, at time.Time, opPrefix string) error
	UpsertHourlyDetails(ctx context.Context, agg *click.Aggregate, opPrefix string) error
	UpsertGlobalHourly(ctx context.Context, hourBucket string, clicks, uniqueLinks int64, opPrefix string) error
	RollupDaily(ctx context.Context, day time.Time) error
	GetHourlyStats(ctx context.Context, code, from, to string) ([]*ClickStatsHourly, error)

	// Analytics.
	ClickTrends(ctx context.Context, code string, granularity Granularity, from, to time.Time) ([]TrendPoint, error)
	TopLinks(ctx context.Context, from, to time.Time, limit int) ([]CodeClicks, error)
	TopReferrers(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	TopSources(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	TopCountries(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	TopUserAgents(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	RollupTopReferrers(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	RollupTopCountries(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	RollupTopSources(ctx context.Context, code string, from, to time.Time, limit int) ([]NameCount, error)
	StreamClickLogs(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]ClickLogRow, error)
	CountClickLogs(ctx context.Context) (int64, error)

	// Configuration.
	EnsureConfigRow(ctx context.Context, row *SystemConfig) (bool, error)
	SyncConfigMetadata(ctx context.Context, row *SystemConfig) error
	GetConfig(ctx context.Context, key string) (*SystemConfig, error)
	ListConfig(ctx context.Context) ([]*SystemConfig, error)
	ListConfigKeys(ctx context.Context) ([]string, error)
	UpdateConfigValue(ctx context.Context, key, value, changedBy string) (*ConfigUpdate, error)
	ResetConfigValue(ctx context.Context, key, changedBy string) (*ConfigUpdate, error)
	GetConfigHistory(ctx context.Context, key string, limit int) ([]*ConfigHistory, error)
}

var _ Querier = (*DB)(nil)
