// Package reload swaps runtime state without restarting the daemon:
// republishing the config snapshot, rebuilding the cache layers from
// storage, or both. At most one reload runs at a time; concurrent
// requests are refused rather than queued.
package reload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
)

// Target selects what a reload rebuilds.
type Target string

const (
	// TargetData rebuilds the cache layers from storage.
	TargetData Target = "data"

	// TargetConfig republishes the config snapshot.
	TargetConfig Target = "config"

	// TargetAll is config followed by data.
	TargetAll Target = "all"
)

// ParseTarget validates a user-supplied target. Empty means all.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetData, TargetConfig, TargetAll:
		return Target(s), nil
	case "":
		return TargetAll, nil
	default:
		return "", fmt.Errorf("unknown reload target %q", s)
	}
}

// DefaultWarmCount is how many recently created links a data reload
// pre-loads into the object cache.
const DefaultWarmCount = 1000

// ErrReloadBusy is returned when another reload is still running.
var ErrReloadBusy = errors.New("a reload is already running")

// Result reports what one reload did.
type Result struct {
	Target Target        `json:"target"`
	Took   time.Duration `json:"took"`

	// ChangedKeys names config keys whose value differs from the
	// previous snapshot. Values are never included here: some keys are
	// sensitive.
	ChangedKeys []string `json:"changed_keys,omitempty"`

	// RestartRequired lists changed keys a reload cannot apply.
	RestartRequired []string `json:"restart_required,omitempty"`

	// Warmed is how many links a data reload seeded into the object
	// cache.
	Warmed int `json:"warmed,omitempty"`
}

// Coordinator runs reloads against the live daemon state.
type Coordinator struct {
	mu sync.Mutex

	db     *database.DB
	store  *config.Store
	handle *config.Handle
	cache  *cache.Cache
	clock  clockwork.Clock

	warmCount int
}

// New wires a coordinator. A nil clock selects the wall clock.
func New(
	db *database.DB,
	store *config.Store,
	handle *config.Handle,
	c *cache.Cache,
	clock clockwork.Clock,
) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Coordinator{
		db:        db,
		store:     store,
		handle:    handle,
		cache:     c,
		clock:     clock,
		warmCount: DefaultWarmCount,
	}
}

// Reload rebuilds the requested target. A second caller while one is in
// flight gets ErrReloadBusy instead of waiting.
func (c *Coordinator) Reload(ctx context.Context, target Target) (*Result, error) {
	if !c.mu.TryLock() {
		recordReload(ctx, string(target), "busy")

		return nil, ErrReloadBusy
	}
	defer c.mu.Unlock()

	start := c.clock.Now()
	res := &Result{Target: target}

	if target == TargetConfig || target == TargetAll {
		if err := c.reloadConfig(ctx, res); err != nil {
			recordReload(ctx, string(target), "error")

			return nil, err
		}
	}

	if target == TargetData || target == TargetAll {
		if err := c.reloadData(ctx, res); err != nil {
			recordReload(ctx, string(target), "error")

			return nil, err
		}
	}

	res.Took = c.clock.Since(start)
	recordReload(ctx, string(target), "ok")

	zerolog.Ctx(ctx).Info().
		Str("target", string(target)).
		Dur("took", res.Took).
		Strs("changed-keys", res.ChangedKeys).
		Strs("restart-required", res.RestartRequired).
		Int("warmed", res.Warmed).
		Msg("reload finished")

	return res, nil
}

// reloadConfig publishes a fresh snapshot. Components that read settings
// through the handle (link service, flusher) pick it up on their next
// operation; nothing is rewired.
func (c *Coordinator) reloadConfig(ctx context.Context, res *Result) error {
	next, err := c.store.LoadRuntime(ctx)
	if err != nil {
		return fmt.Errorf("error loading the config snapshot: %w", err)
	}

	prev := c.handle.Swap(next)

	res.ChangedKeys = diffKeys(prev, next)

	for _, key := range res.ChangedKeys {
		if def, ok := config.DefByKey(key); ok && def.RequiresRestart {
			res.RestartRequired = append(res.RestartRequired, key)
		}
	}

	return nil
}

// reloadData rebuilds the cache from storage: fresh existence filter
// sized to the live code count, emptied object and negative caches, and
// the most recent links warmed back in.
func (c *Coordinator) reloadData(ctx context.Context, res *Result) error {
	rt := c.handle.Load()

	codes, err := c.db.LoadAllCodes(ctx)
	if err != nil {
		return fmt.Errorf("error loading codes for the filter: %w", err)
	}

	c.cache.Reconfigure(CacheConfig(rt, len(codes)))
	c.cache.LoadCodes(codes)

	recent, err := c.db.RecentLinks(ctx, c.warmCount)
	if err != nil {
		return fmt.Errorf("error loading recent links: %w", err)
	}

	c.cache.WarmLinks(recent)
	res.Warmed = len(recent)

	return nil
}

// CacheConfig maps a runtime snapshot onto cache sizing. codeCount is
// the current number of stored codes and sizes the existence filter.
func CacheConfig(rt *config.Runtime, codeCount int) cache.Config {
	return cache.Config{
		Enabled:        rt.CacheEnabled,
		ObjectCapacity: rt.CacheObjectCapacity,
		ObjectTTL:      rt.CacheObjectTTL,
		ObjectIdleTTL:  rt.CacheObjectIdleTTL,
		NegativeTTL:    rt.CacheNegativeTTL,
		FilterCapacity: uint(codeCount),
		FilterFPRate:   rt.CacheBloomFPRate,
	}
}

// FlushSettings adapts the snapshot for the click flusher. The returned
// function reads the handle on every call, so a config reload changes
// the flush cadence without touching the flusher.
func FlushSettings(h *config.Handle) func() click.Settings {
	return func() click.Settings {
		rt := h.Load()

		return click.Settings{
			Interval:  rt.FlushInterval,
			Threshold: rt.FlushThreshold,
		}
	}
}

// LinkSettings adapts the snapshot for the link service.
func LinkSettings(h *config.Handle) func() link.Settings {
	return func() link.Settings {
		rt := h.Load()

		return link.Settings{
			RandomCodeLength: rt.RandomCodeLength,
			DenyHosts:        rt.DenyHosts,
		}
	}
}

// diffKeys names every config key whose parsed value differs between the
// two snapshots.
func diffKeys(prev, next *config.Runtime) []string {
	if prev == nil {
		return nil
	}

	var keys []string

	changed := func(key string, differs bool) {
		if differs {
			keys = append(keys, key)
		}
	}

	changed(config.KeyDefaultURL, prev.DefaultURL != next.DefaultURL)
	changed(config.KeyRandomCodeLength, prev.RandomCodeLength != next.RandomCodeLength)
	changed(config.KeyClickDetails, prev.ClickDetails != next.ClickDetails)
	changed(config.KeyDenyHosts, !slices.Equal(prev.DenyHosts, next.DenyHosts))

	changed(config.KeyAdminToken, prev.AdminTokenHash != next.AdminTokenHash)
	changed(config.KeyAdminPrefix, prev.AdminPrefix != next.AdminPrefix)

	changed(config.KeyCacheEnabled, prev.CacheEnabled != next.CacheEnabled)
	changed(config.KeyCacheObjectCapacity, prev.CacheObjectCapacity != next.CacheObjectCapacity)
	changed(config.KeyCacheObjectTTL, prev.CacheObjectTTL != next.CacheObjectTTL)
	changed(config.KeyCacheObjectIdleTTL, prev.CacheObjectIdleTTL != next.CacheObjectIdleTTL)
	changed(config.KeyCacheNegativeTTL, prev.CacheNegativeTTL != next.CacheNegativeTTL)
	changed(config.KeyCacheBloomFPRate, prev.CacheBloomFPRate != next.CacheBloomFPRate)

	changed(config.KeyFlushInterval, prev.FlushInterval != next.FlushInterval)
	changed(config.KeyFlushThreshold, prev.FlushThreshold != next.FlushThreshold)
	changed(config.KeyDetailBuffer, prev.DetailBuffer != next.DetailBuffer)

	changed(config.KeyRetentionDays, prev.RetentionDays != next.RetentionDays)

	changed(config.KeyBackupEnabled, prev.BackupEnabled != next.BackupEnabled)
	changed(config.KeyBackupSchedule, prev.BackupSchedule != next.BackupSchedule)
	changed(config.KeyBackupCompression, prev.BackupCompression != next.BackupCompression)
	changed(config.KeyBackupS3Endpoint, prev.BackupS3Endpoint != next.BackupS3Endpoint)
	changed(config.KeyBackupS3Bucket, prev.BackupS3Bucket != next.BackupS3Bucket)
	changed(config.KeyBackupS3AccessKey, prev.BackupS3AccessKey != next.BackupS3AccessKey)
	changed(config.KeyBackupS3SecretKey, prev.BackupS3SecretKey != next.BackupS3SecretKey)
	changed(config.KeyBackupS3Region, prev.BackupS3Region != next.BackupS3Region)
	changed(config.KeyBackupLocalDir, prev.BackupLocalDir != next.BackupLocalDir)

	changed(config.KeyInstanceID, prev.InstanceID != next.InstanceID)

	return keys
}
