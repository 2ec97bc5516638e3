package config

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Runtime is an immutable snapshot of every config value, parsed into
// its Go type. Hot paths read one snapshot per operation through a
// Handle and never see a torn update.
type Runtime struct {
	DefaultURL       string
	RandomCodeLength int
	ClickDetails     bool
	DenyHosts        []string

	AdminTokenHash string
	AdminPrefix    string

	CacheEnabled        bool
	CacheObjectCapacity int
	CacheObjectTTL      time.Duration
	CacheObjectIdleTTL  time.Duration
	CacheNegativeTTL    time.Duration
	CacheBloomFPRate    float64

	FlushInterval  time.Duration
	FlushThreshold int
	DetailBuffer   int

	RetentionDays int

	BackupEnabled     bool
	BackupSchedule    string
	BackupCompression string
	BackupS3Endpoint  string
	BackupS3Bucket    string
	BackupS3AccessKey string
	BackupS3SecretKey string
	BackupS3Region    string
	BackupLocalDir    string

	InstanceID string
}

// LoadRuntime reads every row and parses it into a fresh snapshot.
// Values that no longer parse fall back to their definition's default
// with a warning instead of failing the load.
func (s *Store) LoadRuntime(ctx context.Context) (*Runtime, error) {
	rows, err := s.db.ListConfig(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}

	return buildRuntime(ctx, values), nil
}

func buildRuntime(ctx context.Context, values map[string]string) *Runtime {
	b := snapshotBuilder{ctx: ctx, values: values}

	return &Runtime{
		DefaultURL:       b.str(KeyDefaultURL),
		RandomCodeLength: b.integer(KeyRandomCodeLength),
		ClickDetails:     b.boolean(KeyClickDetails),
		DenyHosts:        b.strings(KeyDenyHosts),

		AdminTokenHash: b.str(KeyAdminToken),
		AdminPrefix:    b.str(KeyAdminPrefix),

		CacheEnabled:        b.boolean(KeyCacheEnabled),
		CacheObjectCapacity: b.integer(KeyCacheObjectCapacity),
		CacheObjectTTL:      b.duration(KeyCacheObjectTTL),
		CacheObjectIdleTTL:  b.duration(KeyCacheObjectIdleTTL),
		CacheNegativeTTL:    b.duration(KeyCacheNegativeTTL),
		CacheBloomFPRate:    b.float(KeyCacheBloomFPRate),

		FlushInterval:  b.duration(KeyFlushInterval),
		FlushThreshold: b.integer(KeyFlushThreshold),
		DetailBuffer:   b.integer(KeyDetailBuffer),

		RetentionDays: b.integer(KeyRetentionDays),

		BackupEnabled:     b.boolean(KeyBackupEnabled),
		BackupSchedule:    b.str(KeyBackupSchedule),
		BackupCompression: b.str(KeyBackupCompression),
		BackupS3Endpoint:  b.str(KeyBackupS3Endpoint),
		BackupS3Bucket:    b.str(KeyBackupS3Bucket),
		BackupS3AccessKey: b.str(KeyBackupS3AccessKey),
		BackupS3SecretKey: b.str(KeyBackupS3SecretKey),
		BackupS3Region:    b.str(KeyBackupS3Region),
		BackupLocalDir:    b.str(KeyBackupLocalDir),

		InstanceID: b.str(KeyInstanceID),
	}
}

type snapshotBuilder struct {
	ctx    context.Context
	values map[string]string
}

// raw returns the stored value, or the def default when the row is
// missing.
func (b snapshotBuilder) raw(key string) string {
	if v, ok := b.values[key]; ok {
		return v
	}

	return defsByKey[key].Default
}

func (b snapshotBuilder) fallback(key, raw string) string {
	zerolog.Ctx(b.ctx).Warn().
		Str("key", key).
		Str("value", raw).
		Msg("stored config value does not parse, using the default")

	return defsByKey[key].Default
}

func (b snapshotBuilder) str(key string) string { return b.raw(key) }

func (b snapshotBuilder) integer(key string) int {
	raw := b.raw(key)

	n, err := strconv.Atoi(raw)
	if err != nil {
		n, _ = strconv.Atoi(b.fallback(key, raw))
	}

	return n
}

func (b snapshotBuilder) boolean(key string) bool {
	raw := b.raw(key)

	v, err := strconv.ParseBool(raw)
	if err != nil {
		v, _ = strconv.ParseBool(b.fallback(key, raw))
	}

	return v
}

func (b snapshotBuilder) float(key string) float64 {
	raw := b.raw(key)

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		f, _ = strconv.ParseFloat(b.fallback(key, raw), 64)
	}

	return f
}

func (b snapshotBuilder) duration(key string) time.Duration {
	raw := b.raw(key)

	d, err := time.ParseDuration(raw)
	if err != nil {
		d, _ = time.ParseDuration(b.fallback(key, raw))
	}

	return d
}

func (b snapshotBuilder) strings(key string) []string {
	raw := b.raw(key)

	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		out = nil

		_ = json.Unmarshal([]byte(b.fallback(key, raw)), &out)
	}

	return out
}

// Handle publishes Runtime snapshots to readers without locking. Build
// one with NewHandle; Load never returns nil after that.
type Handle struct {
	ptr atomic.Pointer[Runtime]
}

// NewHandle returns a Handle serving the given snapshot.
func NewHandle(rt *Runtime) *Handle {
	h := new(Handle)
	h.ptr.Store(rt)

	return h
}

// Load returns the current snapshot.
func (h *Handle) Load() *Runtime { return h.ptr.Load() }

// Swap publishes the next snapshot and returns the previous one.
func (h *Handle) Swap(next *Runtime) *Runtime { return h.ptr.Swap(next) }
