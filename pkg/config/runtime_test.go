package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/password"
)

func TestLoadRuntimeParsesTypes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, cleanup := setupSQLiteDatabase(t)
	t.Cleanup(cleanup)

	store := config.NewStore(db, t.TempDir())
	require.NoError(t, store.EnsureDefaults(ctx))

	for key, value := range map[string]string{
		config.KeyRandomCodeLength: "8",
		config.KeyCacheObjectTTL:   "30m",
		config.KeyDenyHosts:        `["evil.com","spam.net"]`,
		config.KeyClickDetails:     "false",
		config.KeyCacheBloomFPRate: "0.01",
	} {
		_, err := store.Set(ctx, key, value, "tester")
		require.NoError(t, err)
	}

	rt, err := store.LoadRuntime(ctx)
	require.NoError(t, err)

	assert.Equal(t, 8, rt.RandomCodeLength)
	assert.Equal(t, 30*time.Minute, rt.CacheObjectTTL)
	assert.Equal(t, []string{"evil.com", "spam.net"}, rt.DenyHosts)
	assert.False(t, rt.ClickDetails)
	assert.InEpsilon(t, 0.01, rt.CacheBloomFPRate, 1e-9)

	// Untouched keys carry their defaults.
	assert.Equal(t, "https://example.com", rt.DefaultURL)
	assert.Equal(t, 100, rt.FlushThreshold)
	assert.Equal(t, 30*time.Second, rt.FlushInterval)
	assert.Equal(t, "zstd", rt.BackupCompression)
	assert.True(t, rt.CacheEnabled)

	assert.True(t, password.IsHash(rt.AdminTokenHash))
	assert.NotEmpty(t, rt.InstanceID)
}

func TestLoadRuntimeFallsBackOnGarbage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, cleanup := setupSQLiteDatabase(t)
	t.Cleanup(cleanup)

	store := config.NewStore(db, t.TempDir())
	require.NoError(t, store.EnsureDefaults(ctx))

	// Corrupt a stored value behind the store's validation.
	_, err := db.NewUpdate().
		Model((*database.SystemConfig)(nil)).
		Set("value = ?", "bananas").
		Where("key = ?", config.KeyFlushThreshold).
		Exec(ctx)
	require.NoError(t, err)

	rt, err := store.LoadRuntime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, rt.FlushThreshold)
}

func TestHandleSwap(t *testing.T) {
	t.Parallel()

	first := &config.Runtime{RandomCodeLength: 6}
	second := &config.Runtime{RandomCodeLength: 8}

	h := config.NewHandle(first)
	assert.Same(t, first, h.Load())

	old := h.Swap(second)
	assert.Same(t, first, old)
	assert.Same(t, second, h.Load())
}
