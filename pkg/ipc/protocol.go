// Package ipc is the local control channel between a running daemon
// and the CLI. Requests and responses travel over a unix domain socket
// as length-prefixed JSON frames; most operations answer with a single
// frame, exports stream several.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/shortlinker/shortlinker/pkg/cache"
)

// SocketName is the socket file created under the data path.
const SocketName = "shortlinker.sock"

// SocketPath returns the control socket location for a data directory.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, SocketName)
}

// Operations understood by the daemon.
const (
	OpPing     = "ping"
	OpShutdown = "shutdown"
	OpReload   = "reload"
	OpStats    = "stats"

	OpBackupRun = "backup.run"

	OpLinkCreate = "link.create"
	OpLinkGet    = "link.get"
	OpLinkUpdate = "link.update"
	OpLinkDelete = "link.delete"
	OpLinkList   = "link.list"
	OpLinkImport = "link.import"
	OpLinkExport = "link.export"

	OpConfigGet     = "config.get"
	OpConfigSet     = "config.set"
	OpConfigReset   = "config.reset"
	OpConfigList    = "config.list"
	OpConfigHistory = "config.history"
)

// Error codes carried in WireError.Code.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeBusy       = "busy"
	CodeStorage    = "storage"
	CodeInternal   = "internal"
)

// maxFrameSize bounds one frame. Imports ride in a single frame, so
// the cap doubles as the import size limit; exports stream in small
// batches and never come close.
const maxFrameSize = 8 << 20

// ErrFrameTooLarge means a frame would exceed or claims to exceed
// maxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds 8 MiB")

// Request is one framed client call.
type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request. Streaming operations send any number of
// frames with More set, then one final frame without it.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
	More  bool            `json:"more,omitempty"`
}

// WireError carries a failure across the socket.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return e.Message }

// writeFrame marshals v and writes it with a 4-byte big-endian length
// prefix.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling the frame: %w", err)
	}

	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var head [4]byte

	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))

	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("error writing the frame header: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("error writing the frame payload: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame into v. A clean close
// before the header surfaces as io.EOF.
func readFrame(r io.Reader, v any) error {
	var head [4]byte

	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return errors.New("empty frame")
	}

	if n > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("error reading the frame payload: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("error unmarshaling the frame: %w", err)
	}

	return nil
}

// PingResult reports daemon liveness.
type PingResult struct {
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
	PID        int    `json:"pid"`
	Uptime     string `json:"uptime"`
}

// ReloadArgs selects what to reload: data, config, all, or empty for
// all, same as the HTTP endpoint.
type ReloadArgs struct {
	Target string `json:"target"`
}

// Link is the wire rendering of a stored link. The password hash never
// crosses the socket; protected links export it through link.export
// instead.
type Link struct {
	Code              string     `json:"code"`
	Target            string     `json:"target"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PasswordProtected bool       `json:"password_protected"`
	ClickCount        int64      `json:"click_count"`
}

// CreateLinkArgs describes a new link. An empty Code asks for a random
// one; ExpiresAt accepts RFC3339 or a compact duration.
type CreateLinkArgs struct {
	Code      string `json:"code,omitempty"`
	Target    string `json:"target"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Password  string `json:"password,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// LinkArgs addresses one link by code.
type LinkArgs struct {
	Code string `json:"code"`
}

// UpdateLinkArgs changes only its non-nil fields.
type UpdateLinkArgs struct {
	Code      string  `json:"code"`
	Target    *string `json:"target,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty"`
	Password  *string `json:"password,omitempty"`
}

// ListLinksArgs mirrors the admin list query. Timestamps are RFC3339.
type ListLinksArgs struct {
	Search        string `json:"q,omitempty"`
	Status        string `json:"status,omitempty"`
	Sort          string `json:"sort,omitempty"`
	Order         string `json:"order,omitempty"`
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"page_size,omitempty"`
	CreatedAfter  string `json:"created_after,omitempty"`
	CreatedBefore string `json:"created_before,omitempty"`
}

// LinkPage is one page of list results.
type LinkPage struct {
	Links []*Link `json:"links"`
	Total int64   `json:"total"`
}

// ImportArgs carries a whole CSV dump. The daemon owns the caches, so
// restores go through it instead of straight to storage.
type ImportArgs struct {
	Mode string `json:"mode,omitempty"`
	CSV  []byte `json:"csv"`
}

// ExportChunk is one streamed batch of CSV records in canonical column
// order, header not included. Records keep the stored password hash so
// a dump restores protected links intact.
type ExportChunk struct {
	Records [][]string `json:"records"`
}

// ConfigGetArgs fetches one config row. Reveal asks for the stored
// value of a sensitive key instead of the redaction marker.
type ConfigGetArgs struct {
	Key    string `json:"key"`
	Reveal bool   `json:"reveal,omitempty"`
}

// ConfigListArgs fetches every config row.
type ConfigListArgs struct {
	Reveal bool `json:"reveal,omitempty"`
}

// SetConfigArgs writes one config value.
type SetConfigArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConfigKeyArgs addresses one config key.
type ConfigKeyArgs struct {
	Key string `json:"key"`
}

// ConfigHistoryArgs fetches the audit trail of one key, newest first.
type ConfigHistoryArgs struct {
	Key   string `json:"key"`
	Limit int    `json:"limit,omitempty"`
}

// ConfigRow is the wire rendering of one config entry.
type ConfigRow struct {
	Key             string    `json:"key"`
	Value           string    `json:"value"`
	Type            string    `json:"type"`
	DefaultValue    string    `json:"default_value"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	Sensitive       bool      `json:"is_sensitive"`
	RequiresRestart bool      `json:"requires_restart"`
	UpdatedAt       time.Time `json:"updated_at"`
	UpdatedBy       string    `json:"updated_by"`
}

// ConfigHistoryRow is one audit entry. Sensitive values were masked
// when the row was written.
type ConfigHistoryRow struct {
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

// LinkTotals summarizes the link table.
type LinkTotals struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Expired   int64 `json:"expired"`
	Protected int64 `json:"protected"`
	Clicks    int64 `json:"clicks"`
}

// StatsResult is the service-wide dashboard payload.
type StatsResult struct {
	Links    LinkTotals  `json:"links"`
	Cache    cache.Stats `json:"cache"`
	ClickLog int64       `json:"click_log_rows"`
}
