package link

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/shortlinker/shortlinker/pkg/database"
)

// exportBatchSize is the keyset page size for streaming exports.
const exportBatchSize = 1000

// ExportStream walks every link in code order, calling fn for each one.
// Pages are fetched with keyset pagination so the full table is never
// held in memory. The first error from fn or storage stops the walk.
func (s *Service) ExportStream(ctx context.Context, fn func(*database.ShortLink) error) error {
	after := ""

	for {
		links, err := s.db.StreamLinks(ctx, after, exportBatchSize)
		if err != nil {
			return err
		}

		for _, l := range links {
			if err := fn(l); err != nil {
				return err
			}
		}

		if len(links) < exportBatchSize {
			return nil
		}

		after = links[len(links)-1].Code
	}
}

// CSVHeader returns the canonical export header row.
func CSVHeader() []string {
	return slices.Clone(csvColumns)
}

// CSVRecord renders one link as an export row. Timestamps are RFC3339
// UTC and the password column carries the stored hash, so a round trip
// through Import preserves protected links.
func CSVRecord(l *database.ShortLink) []string {
	expires := ""
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return []string{
		l.Code,
		l.Target,
		l.CreatedAt.UTC().Format(time.RFC3339),
		expires,
		l.PasswordHash,
		strconv.FormatInt(l.ClickCount, 10),
	}
}
