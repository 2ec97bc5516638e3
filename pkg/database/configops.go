package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// RedactedValue replaces sensitive values in history rows and API output.
const RedactedValue = "[REDACTED]"

// EnsureConfigRow inserts a config row if its key is not present yet,
// leaving any existing value untouched. It reports whether the insert
// landed so callers can tell a fresh seed from an existing row.
func (db *DB) EnsureConfigRow(ctx context.Context, row *SystemConfig) (bool, error) {
	var inserted bool

	err := withRetry(ctx, "ensure_config_row", func(ctx context.Context) error {
		res, err := db.NewInsert().Model(row).Ignore().Exec(ctx)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		inserted = affected > 0

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error ensuring config row %q: %w", row.Key, err)
	}

	return inserted, nil
}

// SyncConfigMetadata refreshes the code-defined attributes of a config row
// without touching its value. Run on startup so description or type
// changes ship with the binary.
func (db *DB) SyncConfigMetadata(ctx context.Context, row *SystemConfig) error {
	err := withRetry(ctx, "sync_config_metadata", func(ctx context.Context) error {
		_, err := db.NewUpdate().
			Model(row).
			Column("value_type", "default_value", "description", "category", "requires_restart", "sensitive").
			WherePK().
			Exec(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("error syncing config metadata for %q: %w", row.Key, err)
	}

	return nil
}

// GetConfig fetches one config row by key.
func (db *DB) GetConfig(ctx context.Context, key string) (*SystemConfig, error) {
	row := new(SystemConfig)

	err := withRetry(ctx, "get_config", func(ctx context.Context) error {
		return db.NewSelect().
			Model(row).
			Where("? = ?", bun.Ident("key"), key).
			Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: config key %q", ErrNotFound, key)
		}

		return nil, fmt.Errorf("error fetching config %q: %w", key, err)
	}

	return row, nil
}

// ListConfig returns every config row ordered by key.
func (db *DB) ListConfig(ctx context.Context) ([]*SystemConfig, error) {
	var rows []*SystemConfig

	err := withRetry(ctx, "list_config", func(ctx context.Context) error {
		rows = rows[:0]

		return db.NewSelect().
			Model(&rows).
			OrderExpr("? ASC", bun.Ident("key")).
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing config: %w", err)
	}

	return rows, nil
}

// ListConfigKeys returns just the keys, for orphan detection at startup.
func (db *DB) ListConfigKeys(ctx context.Context) ([]string, error) {
	var keys []string

	err := withRetry(ctx, "list_config_keys", func(ctx context.Context) error {
		keys = keys[:0]

		return db.NewSelect().
			Model((*SystemConfig)(nil)).
			Column("key").
			OrderExpr("? ASC", bun.Ident("key")).
			Scan(ctx, &keys)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing config keys: %w", err)
	}

	return keys, nil
}

// ConfigUpdate describes the outcome of a config write. Changed is false
// when the submitted value matched the stored one, in which case nothing
// was written and no history row exists.
type ConfigUpdate struct {
	Row      *SystemConfig
	OldValue string
	Changed  bool
}

// UpdateConfigValue sets a config value and records the change in
// config_history. Sensitive values are redacted in the history row. A
// value identical to the current one is a no-op and records nothing.
func (db *DB) UpdateConfigValue(ctx context.Context, key, value, changedBy string) (*ConfigUpdate, error) {
	upd, err := db.setConfigValue(ctx, key, func(*SystemConfig) string { return value }, changedBy)
	if err != nil {
		return nil, fmt.Errorf("error updating config %q: %w", key, err)
	}

	return upd, nil
}

// ResetConfigValue restores a config value to its code-defined default,
// recording the change like a regular update.
func (db *DB) ResetConfigValue(ctx context.Context, key, changedBy string) (*ConfigUpdate, error) {
	upd, err := db.setConfigValue(ctx, key, func(row *SystemConfig) string { return row.DefaultValue }, changedBy)
	if err != nil {
		return nil, fmt.Errorf("error resetting config %q: %w", key, err)
	}

	return upd, nil
}

func (db *DB) setConfigValue(
	ctx context.Context,
	key string,
	pick func(*SystemConfig) string,
	changedBy string,
) (*ConfigUpdate, error) {
	row := new(SystemConfig)
	upd := &ConfigUpdate{Row: row}

	err := withRetry(ctx, "set_config_value", func(ctx context.Context) error {
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			err := tx.NewSelect().
				Model(row).
				Where("? = ?", bun.Ident("key"), key).
				Scan(ctx)
			if err != nil {
				return err
			}

			upd.OldValue = row.Value
			upd.Changed = false

			value := pick(row)
			if value == row.Value {
				return nil
			}

			now := time.Now().UTC()

			oldValue, newValue := row.Value, value
			if row.Sensitive {
				oldValue, newValue = RedactedValue, RedactedValue
			}

			row.Value = value
			row.UpdatedAt = now
			row.UpdatedBy = changedBy

			_, err = tx.NewUpdate().
				Model(row).
				Column("value", "updated_at", "updated_by").
				WherePK().
				Exec(ctx)
			if err != nil {
				return err
			}

			_, err = tx.NewInsert().
				Model(&ConfigHistory{
					Key:       key,
					OldValue:  oldValue,
					NewValue:  newValue,
					ChangedBy: changedBy,
					ChangedAt: now,
				}).
				Exec(ctx)
			if err != nil {
				return err
			}

			upd.Changed = true

			return nil
		})
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: config key %q", ErrNotFound, key)
		}

		return nil, err
	}

	return upd, nil
}

// GetConfigHistory returns change records, newest first. An empty key
// returns history across all keys.
func (db *DB) GetConfigHistory(ctx context.Context, key string, limit int) ([]*ConfigHistory, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []*ConfigHistory

	err := withRetry(ctx, "config_history", func(ctx context.Context) error {
		rows = rows[:0]

		q := db.NewSelect().Model(&rows)

		if key != "" {
			q = q.Where("? = ?", bun.Ident("key"), key)
		}

		return q.
			Order("changed_at DESC").
			Order("id DESC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing config history: %w", err)
	}

	return rows, nil
}
