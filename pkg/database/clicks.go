package database

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/uptrace/bun"
	"github.com/zeebo/blake3"

	"github.com/shortlinker/shortlinker/pkg/click"
)

// maxUserAgentLen caps stored user agent strings. Truncation happens
// before hashing so the hash always matches the stored value.
const maxUserAgentLen = 512

func truncateUserAgent(ua string) string {
	if len(ua) > maxUserAgentLen {
		return ua[:maxUserAgentLen]
	}

	return ua
}

func hashUserAgent(ua string) string {
	sum := blake3.Sum256([]byte(ua))

	return fmt.Sprintf("%x", sum[:])
}

// GetOrCreateUserAgentIDs resolves user agent strings to their dedup table
// ids, inserting rows for agents seen for the first time.
func (db *DB) GetOrCreateUserAgentIDs(ctx context.Context, agents []string) (map[string]int64, error) {
	byHash := make(map[string]string, len(agents))

	for _, ua := range agents {
		ua = truncateUserAgent(ua)
		if ua == "" {
			continue
		}

		byHash[hashUserAgent(ua)] = ua
	}

	if len(byHash) == 0 {
		return map[string]int64{}, nil
	}

	rows := make([]*UserAgent, 0, len(byHash))
	hashes := make([]string, 0, len(byHash))

	for h, ua := range byHash {
		rows = append(rows, &UserAgent{Hash: h, UserAgent: ua})
		hashes = append(hashes, h)
	}

	for chunk := range slices.Chunk(rows, batchChunkSize) {
		err := withRetry(ctx, "insert_user_agents", func(ctx context.Context) error {
			_, err := db.NewInsert().Model(&chunk).Ignore().Exec(ctx)

			return err
		})
		if err != nil {
			return nil, fmt.Errorf("error inserting user agents: %w", err)
		}
	}

	ids := make(map[string]int64, len(byHash))

	for chunk := range slices.Chunk(hashes, batchChunkSize) {
		var found []*UserAgent

		err := withRetry(ctx, "select_user_agents", func(ctx context.Context) error {
			found = found[:0]

			return db.NewSelect().
				Model(&found).
				Column("id", "hash").
				Where("hash IN (?)", bun.In(chunk)).
				Scan(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("error resolving user agents: %w", err)
		}

		for _, row := range found {
			ids[byHash[row.Hash]] = row.ID
		}
	}

	return ids, nil
}

// InsertClickDetails stores per-click rows for the detail log.
func (db *DB) InsertClickDetails(ctx context.Context, details []click.Detail) error {
	if len(details) == 0 {
		return nil
	}

	agents := make([]string, 0, len(details))

	for _, d := range details {
		if d.UserAgent != "" {
			agents = append(agents, d.UserAgent)
		}
	}

	uaIDs, err := db.GetOrCreateUserAgentIDs(ctx, agents)
	if err != nil {
		return err
	}

	rows := make([]*ClickLog, 0, len(details))

	for _, d := range details {
		row := &ClickLog{
			Code:      d.Code,
			CreatedAt: d.At.UTC(),
			Referrer:  d.Referrer,
			Source:    d.Source,
			IP:        d.IP,
			Country:   d.Country,
			City:      d.City,
		}

		if ua := truncateUserAgent(d.UserAgent); ua != "" {
			if id, ok := uaIDs[ua]; ok {
				row.UserAgentID = &id
			}
		}

		rows = append(rows, row)
	}

	for chunk := range slices.Chunk(rows, batchChunkSize) {
		err := withRetry(ctx, "insert_click_details", func(ctx context.Context) error {
			_, err := db.NewInsert().Model(&chunk).Exec(ctx)

			return err
		})
		if err != nil {
			return fmt.Errorf("error inserting click details: %w", err)
		}
	}

	return nil
}

// PurgeClickLogsBefore deletes detail rows older than the cutoff in
// bounded chunks so retention never holds a long transaction. The derived
// table keeps MySQL happy about deleting from a table it selects from.
func (db *DB) PurgeClickLogsBefore(ctx context.Context, cutoff time.Time, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 10000
	}

	const query = `DELETE FROM click_log WHERE id IN (
		SELECT id FROM (
			SELECT id FROM click_log WHERE created_at < ? ORDER BY id LIMIT ?
		) AS expired_rows
	)`

	var total int64

	for {
		var affected int64

		err := withRetry(ctx, "purge_click_logs", func(ctx context.Context) error {
			res, err := db.ExecContext(ctx, query, cutoff.UTC(), chunkSize)
			if err != nil {
				return err
			}

			affected, err = res.RowsAffected()

			return err
		})
		if err != nil {
			return total, fmt.Errorf("error purging click logs: %w", err)
		}

		total += affected

		if affected < int64(chunkSize) {
			return total, nil
		}
	}
}
