package database

import (
	"time"

	"github.com/uptrace/bun"
)

// ShortLink is a single shortened URL.
type ShortLink struct {
	bun.BaseModel `bun:"table:short_links,alias:sl"`

	Code         string     `bun:"code,pk"`
	Target       string     `bun:"target,notnull"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull"`
	ExpiresAt    *time.Time `bun:"expires_at"`
	PasswordHash string     `bun:"password_hash,nullzero"`
	ClickCount   int64      `bun:"click_count,notnull"`
}

// Expired reports whether the link has an expiry in the past.
func (l *ShortLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// RequiresPassword reports whether resolving the link needs a password.
func (l *ShortLink) RequiresPassword() bool { return l.PasswordHash != "" }

// SystemConfig is one persisted configuration entry.
type SystemConfig struct {
	bun.BaseModel `bun:"table:system_config,alias:sc"`

	Key             string    `bun:"key,pk"`
	Value           string    `bun:"value,notnull"`
	ValueType       string    `bun:"value_type,notnull"`
	DefaultValue    string    `bun:"default_value,notnull"`
	Description     string    `bun:"description,notnull"`
	Category        string    `bun:"category,notnull"`
	RequiresRestart bool      `bun:"requires_restart,notnull"`
	Sensitive       bool      `bun:"sensitive,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
	UpdatedBy       string    `bun:"updated_by,notnull"`
}

// ConfigHistory records one configuration change.
type ConfigHistory struct {
	bun.BaseModel `bun:"table:config_history,alias:ch"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Key       string    `bun:"key,notnull"`
	OldValue  string    `bun:"old_value,notnull"`
	NewValue  string    `bun:"new_value,notnull"`
	ChangedBy string    `bun:"changed_by,notnull"`
	ChangedAt time.Time `bun:"changed_at,notnull"`
}

// ClickLog is one raw click event. UserAgentID references the user_agent
// dedup table and is nil when the click carried no user agent.
type ClickLog struct {
	bun.BaseModel `bun:"table:click_log,alias:cl"`

	ID          int64     `bun:"id,pk,autoincrement"`
	Code        string    `bun:"code,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	Referrer    string    `bun:"referrer,nullzero"`
	Source      string    `bun:"source,notnull"`
	UserAgentID *int64    `bun:"user_agent_id"`
	IP          string    `bun:"ip,nullzero"`
	Country     string    `bun:"country,nullzero"`
	City        string    `bun:"city,nullzero"`
}

// UserAgent dedups user agent strings; Hash is the hex blake3 of the
// raw string.
type UserAgent struct {
	bun.BaseModel `bun:"table:user_agent,alias:ua"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Hash      string `bun:"hash,notnull,unique"`
	UserAgent string `bun:"user_agent,notnull"`
}

// ClickStatsHourly is the per-link hourly rollup row. HourBucket is
// "YYYY-MM-DD HH:00" in UTC. Referrers, Countries and Sources hold JSON
// objects mapping name to count, merged read-modify-write by the rollup
// writer.
type ClickStatsHourly struct {
	bun.BaseModel `bun:"table:click_stats_hourly,alias:csh"`

	Code       string `bun:"code,pk"`
	HourBucket string `bun:"hour_bucket,pk"`
	Clicks     int64  `bun:"clicks,notnull"`
	Referrers  string `bun:"referrers,notnull"`
	Countries  string `bun:"countries,notnull"`
	Sources    string `bun:"sources,notnull"`
}

// ClickStatsDaily is the per-link daily rollup row. DayBucket is
// "YYYY-MM-DD" in UTC.
type ClickStatsDaily struct {
	bun.BaseModel `bun:"table:click_stats_daily,alias:csd"`

	Code      string `bun:"code,pk"`
	DayBucket string `bun:"day_bucket,pk"`
	Clicks    int64  `bun:"clicks,notnull"`
}

// ClickStatsGlobalHourly is the service-wide hourly rollup row. Clicks
// accumulates across flushes; UniqueLinks is last-writer-wins.
type ClickStatsGlobalHourly struct {
	bun.BaseModel `bun:"table:click_stats_global_hourly,alias:csg"`

	HourBucket  string `bun:"hour_bucket,pk"`
	Clicks      int64  `bun:"clicks,notnull"`
	UniqueLinks int64  `bun:"unique_links,notnull"`
}
