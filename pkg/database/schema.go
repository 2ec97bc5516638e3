package database

import (
	"context"
	"fmt"
)

// The schema is created in code so that a fresh database is usable without
// external migration tooling. Every statement is idempotent.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS short_links (
		code TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		password_hash TEXT,
		click_count INTEGER NOT NULL DEFAULT 0 CHECK (click_count >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_short_links_created_at ON short_links (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_short_links_expires_at ON short_links (expires_at)`,

	`CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL,
		default_value TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		requires_restart BOOLEAN NOT NULL DEFAULT FALSE,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL,
		updated_by TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS config_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_history_key ON config_history (key, changed_at)`,

	`CREATE TABLE IF NOT EXISTS user_agent (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL UNIQUE,
		user_agent TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS click_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		referrer TEXT,
		source TEXT NOT NULL,
		user_agent_id INTEGER REFERENCES user_agent(id),
		ip TEXT,
		country TEXT,
		city TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_click_log_code_created_at ON click_log (code, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_click_log_created_at ON click_log (created_at)`,

	`CREATE TABLE IF NOT EXISTS click_stats_hourly (
		code TEXT NOT NULL,
		hour_bucket TEXT NOT NULL,
		clicks INTEGER NOT NULL DEFAULT 0,
		referrers TEXT NOT NULL,
		countries TEXT NOT NULL,
		sources TEXT NOT NULL,
		PRIMARY KEY (code, hour_bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_click_stats_hourly_bucket ON click_stats_hourly (hour_bucket)`,

	`CREATE TABLE IF NOT EXISTS click_stats_daily (
		code TEXT NOT NULL,
		day_bucket TEXT NOT NULL,
		clicks INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (code, day_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS click_stats_global_hourly (
		hour_bucket TEXT PRIMARY KEY,
		clicks INTEGER NOT NULL DEFAULT 0,
		unique_links INTEGER NOT NULL DEFAULT 0
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS short_links (
		code TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		password_hash TEXT,
		click_count BIGINT NOT NULL DEFAULT 0 CHECK (click_count >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_short_links_created_at ON short_links (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_short_links_expires_at ON short_links (expires_at)`,

	`CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL,
		default_value TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL,
		requires_restart BOOLEAN NOT NULL DEFAULT FALSE,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		updated_by TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS config_history (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_history_key ON config_history (key, changed_at)`,

	`CREATE TABLE IF NOT EXISTS user_agent (
		id BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		user_agent TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS click_log (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		referrer TEXT,
		source TEXT NOT NULL,
		user_agent_id BIGINT REFERENCES user_agent(id),
		ip TEXT,
		country TEXT,
		city TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_click_log_code_created_at ON click_log (code, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_click_log_created_at ON click_log (created_at)`,

	`CREATE TABLE IF NOT EXISTS click_stats_hourly (
		code TEXT NOT NULL,
		hour_bucket TEXT NOT NULL,
		clicks BIGINT NOT NULL DEFAULT 0,
		referrers JSONB NOT NULL,
		countries JSONB NOT NULL,
		sources JSONB NOT NULL,
		PRIMARY KEY (code, hour_bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_click_stats_hourly_bucket ON click_stats_hourly (hour_bucket)`,

	`CREATE TABLE IF NOT EXISTS click_stats_daily (
		code TEXT NOT NULL,
		day_bucket TEXT NOT NULL,
		clicks BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (code, day_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS click_stats_global_hourly (
		hour_bucket TEXT PRIMARY KEY,
		clicks BIGINT NOT NULL DEFAULT 0,
		unique_links BIGINT NOT NULL DEFAULT 0
	)`,
}

// MySQL has no IF NOT EXISTS for CREATE INDEX, so secondary indexes are
// declared inline with the tables.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS short_links (
		code VARCHAR(64) PRIMARY KEY,
		target TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6),
		password_hash TEXT,
		click_count BIGINT NOT NULL DEFAULT 0 CHECK (click_count >= 0),
		INDEX idx_short_links_created_at (created_at),
		INDEX idx_short_links_expires_at (expires_at)
	)`,

	`CREATE TABLE IF NOT EXISTS system_config (
		` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
		value TEXT NOT NULL,
		value_type VARCHAR(16) NOT NULL,
		default_value TEXT NOT NULL,
		description TEXT NOT NULL,
		category VARCHAR(64) NOT NULL,
		requires_restart BOOLEAN NOT NULL DEFAULT FALSE,
		sensitive BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME(6) NOT NULL,
		updated_by VARCHAR(191) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS config_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		` + "`key`" + ` VARCHAR(191) NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		changed_by VARCHAR(191) NOT NULL,
		changed_at DATETIME(6) NOT NULL,
		INDEX idx_config_history_key (` + "`key`" + `, changed_at)
	)`,

	`CREATE TABLE IF NOT EXISTS user_agent (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		hash VARCHAR(64) NOT NULL UNIQUE,
		user_agent TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS click_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		code VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		referrer TEXT,
		source VARCHAR(255) NOT NULL,
		user_agent_id BIGINT,
		ip VARCHAR(64),
		country VARCHAR(8),
		city VARCHAR(128),
		INDEX idx_click_log_code_created_at (code, created_at),
		INDEX idx_click_log_created_at (created_at),
		CONSTRAINT fk_click_log_user_agent FOREIGN KEY (user_agent_id) REFERENCES user_agent(id)
	)`,

	`CREATE TABLE IF NOT EXISTS click_stats_hourly (
		code VARCHAR(64) NOT NULL,
		hour_bucket VARCHAR(16) NOT NULL,
		clicks BIGINT NOT NULL DEFAULT 0,
		referrers JSON NOT NULL,
		countries JSON NOT NULL,
		sources JSON NOT NULL,
		PRIMARY KEY (code, hour_bucket),
		INDEX idx_click_stats_hourly_bucket (hour_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS click_stats_daily (
		code VARCHAR(64) NOT NULL,
		day_bucket VARCHAR(10) NOT NULL,
		clicks BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (code, day_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS click_stats_global_hourly (
		hour_bucket VARCHAR(16) PRIMARY KEY,
		clicks BIGINT NOT NULL DEFAULT 0,
		unique_links BIGINT NOT NULL DEFAULT 0
	)`,
}

// CreateTables creates every table and index the service needs. It is safe
// to call on every startup.
func (db *DB) CreateTables(ctx context.Context) error {
	var stmts []string

	switch db.dbType {
	case TypeSQLite:
		stmts = sqliteSchema
	case TypePostgreSQL:
		stmts = postgresSchema
	case TypeMySQL:
		stmts = mysqlSchema
	case TypeUnknown:
		fallthrough
	default:
		return ErrUnsupportedDriver
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error creating the schema: %w", err)
		}
	}

	return nil
}
