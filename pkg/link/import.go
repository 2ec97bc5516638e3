package link

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
)

// ImportMode decides what happens to rows whose code already exists.
type ImportMode string

const (
	// ImportSkip leaves existing rows untouched and counts them.
	ImportSkip ImportMode = "skip"

	// ImportOverwrite updates existing rows, keeping their created_at
	// and click_count.
	ImportOverwrite ImportMode = "overwrite"

	// ImportError aborts the whole import before any write when a row
	// is invalid or its code already exists.
	ImportError ImportMode = "error"
)

// ErrImportAborted is returned in mode error when any row is invalid or
// already exists. Nothing has been written when it comes back.
var ErrImportAborted = errors.New("import aborted")

// ParseImportMode validates a user-supplied mode string. Empty means
// skip, the safe default.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case ImportSkip, ImportOverwrite, ImportError:
		return ImportMode(s), nil
	case "":
		return ImportSkip, nil
	default:
		return "", fmt.Errorf("unknown import mode %q", s)
	}
}

// ImportRow is one unparsed CSV row. Timestamp and count cells stay
// strings until validation so a bad cell reports its line number.
type ImportRow struct {
	Line       int
	Code       string
	Target     string
	CreatedAt  string
	ExpiresAt  string
	Password   string
	ClickCount string
}

// RowError describes why one row was rejected.
type RowError struct {
	Line  int    `json:"line"`
	Code  string `json:"code,omitempty"`
	Cause string `json:"cause"`
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Failed  int        `json:"failed"`
	Errors  []RowError `json:"errors,omitempty"`
}

// csvColumns is the canonical import/export column order.
//
//nolint:gochecknoglobals
var csvColumns = []string{"code", "target", "created_at", "expires_at", "password", "click_count"}

// ReadCSV parses import rows from r. The first record may be a header
// naming any subset of the canonical columns in any order; without one
// the canonical order is assumed. Unknown columns are ignored.
func ReadCSV(r io.Reader) ([]ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		rows  []ImportRow
		cols  map[int]string
		first = true
	)

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}

		line, _ := reader.FieldPos(0)

		if first {
			first = false

			if isHeader(record) {
				cols = headerColumns(record)

				continue
			}

			cols = defaultColumns()
		}

		row := ImportRow{Line: line}

		for i, cell := range record {
			switch cols[i] {
			case "code":
				row.Code = strings.TrimSpace(cell)
			case "target":
				row.Target = strings.TrimSpace(cell)
			case "created_at":
				row.CreatedAt = strings.TrimSpace(cell)
			case "expires_at":
				row.ExpiresAt = strings.TrimSpace(cell)
			case "password":
				row.Password = cell
			case "click_count":
				row.ClickCount = strings.TrimSpace(cell)
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// isHeader treats a record as a header only if it names both mandatory
// columns. A data row cannot: a valid target is a URL, never "target".
func isHeader(record []string) bool {
	var code, target bool

	for _, cell := range record {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "code":
			code = true
		case "target":
			target = true
		}
	}

	return code && target
}

func headerColumns(record []string) map[int]string {
	cols := make(map[int]string, len(record))

	for i, cell := range record {
		cols[i] = strings.ToLower(strings.TrimSpace(cell))
	}

	return cols
}

func defaultColumns() map[int]string {
	cols := make(map[int]string, len(csvColumns))

	for i, name := range csvColumns {
		cols[i] = name
	}

	return cols
}

// Import loads rows with per-mode conflict handling. Every row is
// validated before anything is written; mode error aborts the whole run
// if a single row is invalid or its code is taken.
func (s *Service) Import(ctx context.Context, rows []ImportRow, mode ImportMode) (*ImportResult, error) {
	set := s.currentSettings()
	now := s.clock.Now().UTC()

	result := &ImportResult{}

	links := make([]*database.ShortLink, 0, len(rows))
	seen := make(map[string]int, len(rows))

	for _, row := range rows {
		built, rowErr := buildImportLink(row, set, now)
		if rowErr != nil {
			result.Errors = append(result.Errors, *rowErr)

			continue
		}

		if firstLine, dup := seen[built.Code]; dup {
			result.Errors = append(result.Errors, RowError{
				Line:  row.Line,
				Code:  built.Code,
				Cause: fmt.Sprintf("duplicate of line %d", firstLine),
			})

			continue
		}

		seen[built.Code] = row.Line
		links = append(links, built)
	}

	result.Failed = len(result.Errors)

	if mode == ImportError && result.Failed > 0 {
		return result, fmt.Errorf("%w: %d invalid rows", ErrImportAborted, result.Failed)
	}

	if len(links) == 0 {
		return result, nil
	}

	codes := make([]string, len(links))

	for i, l := range links {
		codes[i] = l.Code
	}

	existing, err := s.db.BatchCheckCodesExist(ctx, codes)
	if err != nil {
		return result, err
	}

	switch mode {
	case ImportError:
		if len(existing) > 0 {
			for _, l := range links {
				if _, ok := existing[l.Code]; ok {
					result.Errors = append(result.Errors, RowError{
						Line:  seen[l.Code],
						Code:  l.Code,
						Cause: "code already exists",
					})
				}
			}

			result.Failed = len(result.Errors)

			return result, fmt.Errorf("%w: %d existing codes", ErrImportAborted, len(existing))
		}

		if err := s.db.BatchInsertLinks(ctx, links); err != nil {
			return result, err
		}

		result.Created = len(links)

	case ImportSkip:
		fresh := links[:0]

		for _, l := range links {
			if _, ok := existing[l.Code]; ok {
				result.Skipped++

				continue
			}

			fresh = append(fresh, l)
		}

		if err := s.db.BatchInsertLinks(ctx, fresh); err != nil {
			return result, err
		}

		result.Created = len(fresh)
		links = fresh

	case ImportOverwrite:
		if err := s.db.BatchUpsertLinks(ctx, links); err != nil {
			return result, err
		}

		result.Updated = len(existing)
		result.Created = len(links) - len(existing)
	}

	for _, l := range links {
		s.cache.Insert(l)
	}

	return result, nil
}

func buildImportLink(row ImportRow, set Settings, now time.Time) (*database.ShortLink, *RowError) {
	fail := func(cause string) *RowError {
		return &RowError{Line: row.Line, Code: row.Code, Cause: cause}
	}

	if err := database.ValidateCode(row.Code); err != nil {
		return nil, fail(err.Error())
	}

	if err := ValidateTarget(row.Target, set.DenyHosts); err != nil {
		return nil, fail(err.Error())
	}

	l := &database.ShortLink{
		Code:      row.Code,
		Target:    row.Target,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if row.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339, row.CreatedAt)
		if err != nil {
			return nil, fail(fmt.Sprintf("bad created_at: %v", err))
		}

		l.CreatedAt = created.UTC()
	}

	if row.ExpiresAt != "" {
		// Absolute timestamps only: a dump may legitimately carry
		// already-expired links.
		expires, err := time.Parse(time.RFC3339, row.ExpiresAt)
		if err != nil {
			return nil, fail(fmt.Sprintf("bad expires_at: %v", err))
		}

		utc := expires.UTC()
		l.ExpiresAt = &utc
	}

	switch {
	case row.Password == "":
	case password.IsHash(row.Password):
		l.PasswordHash = row.Password
	default:
		hash, err := password.Hash(row.Password)
		if err != nil {
			return nil, fail(fmt.Sprintf("could not hash password: %v", err))
		}

		l.PasswordHash = hash
	}

	if row.ClickCount != "" {
		n, err := strconv.ParseInt(row.ClickCount, 10, 64)
		if err != nil || n < 0 {
			return nil, fail("bad click_count")
		}

		l.ClickCount = n
	}

	return l, nil
}
