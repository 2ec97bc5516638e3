package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/password"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxHistoryLimit = 500

	// changedByCLI is recorded as the actor on config writes made
	// through the control socket.
	changedByCLI = "cli"
)

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s", errBadArgs, err)
	}

	return nil
}

func (s *Server) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return &PingResult{
		Version:    s.cfg.Version,
		InstanceID: s.cfg.Handle.Load().InstanceID,
		PID:        os.Getpid(),
		Uptime:     s.cfg.Clock.Since(s.startedAt).Round(time.Second).String(),
	}, nil
}

func (s *Server) handleReload(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.cfg.Reloader == nil {
		return nil, errors.New("reload is not available on this server")
	}

	var args ReloadArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	target, err := reload.ParseTarget(args.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadArgs, err)
	}

	return s.cfg.Reloader.Reload(ctx, target)
}

func (s *Server) handleStats(ctx context.Context, _ json.RawMessage) (any, error) {
	st, err := s.cfg.Links.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &StatsResult{
		Links: LinkTotals{
			Total:     st.Links.TotalLinks,
			Active:    st.Links.ActiveLinks,
			Expired:   st.Links.ExpiredLinks,
			Protected: st.Links.ProtectedLinks,
			Clicks:    st.Links.TotalClicks,
		},
		Cache:    st.Cache,
		ClickLog: st.ClickLogs,
	}, nil
}

// handleBackupRun runs the backup synchronously: the CLI caller waits
// for the archive and prints the result.
func (s *Server) handleBackupRun(ctx context.Context, _ json.RawMessage) (any, error) {
	if s.cfg.Backup == nil {
		return nil, errors.New("backup is not available on this server")
	}

	return s.cfg.Backup.Run(ctx)
}

// NewLink renders a stored link for the wire. The CLI's direct-storage
// fallback uses it too, so both paths print the same shape.
func NewLink(l *database.ShortLink) *Link {
	v := &Link{
		Code:              l.Code,
		Target:            l.Target,
		CreatedAt:         l.CreatedAt.UTC(),
		UpdatedAt:         l.UpdatedAt.UTC(),
		PasswordProtected: l.RequiresPassword(),
		ClickCount:        l.ClickCount,
	}

	if l.ExpiresAt != nil {
		t := l.ExpiresAt.UTC()
		v.ExpiresAt = &t
	}

	return v
}

func (s *Server) handleLinkCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var args CreateLinkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	l, err := s.cfg.Links.Create(ctx, link.CreateRequest{
		Code:      args.Code,
		Target:    args.Target,
		ExpiresAt: args.ExpiresAt,
		Password:  args.Password,
		Overwrite: args.Overwrite,
	})
	if err != nil {
		return nil, err
	}

	return NewLink(l), nil
}

func (s *Server) handleLinkGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var args LinkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	l, err := s.cfg.Links.Get(ctx, args.Code)
	if err != nil {
		return nil, err
	}

	return NewLink(l), nil
}

func (s *Server) handleLinkUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var args UpdateLinkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	l, err := s.cfg.Links.Update(ctx, args.Code, link.UpdateRequest{
		Target:    args.Target,
		ExpiresAt: args.ExpiresAt,
		Password:  args.Password,
	})
	if err != nil {
		return nil, err
	}

	return NewLink(l), nil
}

func (s *Server) handleLinkDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	var args LinkArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	return nil, s.cfg.Links.Delete(ctx, args.Code)
}

func (s *Server) handleLinkList(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ListLinksArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	query, err := BuildListQuery(args, s.cfg.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	links, total, err := s.cfg.Links.List(ctx, query)
	if err != nil {
		return nil, err
	}

	out := &LinkPage{Links: make([]*Link, 0, len(links)), Total: total}
	for _, l := range links {
		out.Links = append(out.Links, NewLink(l))
	}

	return out, nil
}

// BuildListQuery validates listing arguments and applies the paging
// defaults. The CLI's direct-storage fallback shares it so both paths
// page identically.
func BuildListQuery(args ListLinksArgs, now time.Time) (database.ListQuery, error) {
	status, err := parseListStatus(args.Status)
	if err != nil {
		return database.ListQuery{}, err
	}

	page := args.Page
	if page < 1 {
		page = 1
	}

	size := args.PageSize
	if size < 1 {
		size = defaultPageSize
	}

	if size > maxPageSize {
		return database.ListQuery{}, fmt.Errorf("%w: page_size above %d", errBadArgs, maxPageSize)
	}

	createdAfter, err := parseListTime(args.CreatedAfter, "created_after")
	if err != nil {
		return database.ListQuery{}, err
	}

	createdBefore, err := parseListTime(args.CreatedBefore, "created_before")
	if err != nil {
		return database.ListQuery{}, err
	}

	return database.ListQuery{
		Search:        args.Search,
		CreatedAfter:  createdAfter,
		CreatedBefore: createdBefore,
		Status:        status,
		Sort:          args.Sort,
		Order:         args.Order,
		Limit:         size,
		Offset:        (page - 1) * size,
		Now:           now,
	}, nil
}

func parseListStatus(s string) (database.LinkStatus, error) {
	switch database.LinkStatus(s) {
	case database.StatusActive, database.StatusExpired, database.StatusAll:
		return database.LinkStatus(s), nil
	case "":
		return database.StatusAll, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", errBadArgs, s)
	}
}

func parseListTime(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil //nolint:nilnil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", errBadArgs, name)
	}

	u := t.UTC()

	return &u, nil
}

func (s *Server) handleLinkImport(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ImportArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	mode, err := link.ParseImportMode(args.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadArgs, err)
	}

	rows, err := link.ReadCSV(bytes.NewReader(args.CSV))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadArgs, err)
	}

	// An aborted run comes back with both the result and the error so
	// the client can print the per-row causes.
	return s.cfg.Links.Import(ctx, rows, mode)
}

// NewConfigRow redacts sensitive values unless reveal is set. Values
// stored as hashes stay redacted even then.
func NewConfigRow(row *database.SystemConfig, reveal bool) *ConfigRow {
	value := row.Value
	if row.Sensitive && value != "" && (!reveal || password.IsHash(value)) {
		value = database.RedactedValue
	}

	return &ConfigRow{
		Key:             row.Key,
		Value:           value,
		Type:            row.ValueType,
		DefaultValue:    row.DefaultValue,
		Description:     row.Description,
		Category:        row.Category,
		Sensitive:       row.Sensitive,
		RequiresRestart: row.RequiresRestart,
		UpdatedAt:       row.UpdatedAt.UTC(),
		UpdatedBy:       row.UpdatedBy,
	}
}

// MaskSetResult hides the before and after values of sensitive keys,
// matching the history rows. A regenerated token's plaintext rides
// through: it is handed out exactly once.
func MaskSetResult(res *config.SetResult) *config.SetResult {
	if !res.Sensitive {
		return res
	}

	out := *res
	out.OldValue = database.RedactedValue
	out.NewValue = database.RedactedValue

	return &out
}

func (s *Server) handleConfigGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ConfigGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	row, err := s.cfg.Store.Get(ctx, args.Key)
	if err != nil {
		return nil, err
	}

	return NewConfigRow(row, args.Reveal), nil
}

func (s *Server) handleConfigSet(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SetConfigArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	res, err := s.cfg.Store.Set(ctx, args.Key, args.Value, changedByCLI)
	if err != nil {
		return nil, err
	}

	return MaskSetResult(res), nil
}

func (s *Server) handleConfigReset(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ConfigKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	res, err := s.cfg.Store.Reset(ctx, args.Key, changedByCLI)
	if err != nil {
		return nil, err
	}

	return MaskSetResult(res), nil
}

func (s *Server) handleConfigList(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ConfigListArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	rows, err := s.cfg.Store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*ConfigRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, NewConfigRow(row, args.Reveal))
	}

	return out, nil
}

func (s *Server) handleConfigHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args ConfigHistoryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	if args.Limit < 0 || args.Limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", errBadArgs, maxHistoryLimit)
	}

	rows, err := s.cfg.Store.History(ctx, args.Key, args.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]*ConfigHistoryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, &ConfigHistoryRow{
			Key:       row.Key,
			OldValue:  row.OldValue,
			NewValue:  row.NewValue,
			ChangedBy: row.ChangedBy,
			ChangedAt: row.ChangedAt.UTC(),
		})
	}

	return out, nil
}
