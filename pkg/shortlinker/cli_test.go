package shortlinker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/shortlinker"
)

// runCLI executes one command the way a shell invocation would. No
// daemon is listening on the data path's socket in these tests, so
// every command takes the direct-storage path.
func runCLI(t *testing.T, dataPath string, args ...string) (string, error) {
	t.Helper()

	c, err := shortlinker.New()
	require.NoError(t, err)

	var out bytes.Buffer

	c.Writer = &out

	argv := append([]string{"shortlinker", "--log-level", "error", "--data-path", dataPath}, args...)

	runErr := c.Run(context.Background(), argv)

	return out.String(), runErr
}

func TestNew(t *testing.T) {
	t.Parallel()

	c, err := shortlinker.New()
	require.NoError(t, err)

	assert.Equal(t, "shortlinker", c.Name)

	names := make([]string, 0, len(c.Commands))
	for _, sub := range c.Commands {
		names = append(names, sub.Name)
	}

	assert.ElementsMatch(t, []string{"serve", "link", "config", "ctl", "backup", "version"}, names)
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := runCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "shortlinker version dev\n", out)
}

func TestLinkLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	out, err := runCLI(t, dir, "link", "add", "--code", "docs", "--json", "https://example.com/docs")
	require.NoError(t, err)

	var created ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "docs", created.Code)
	assert.Equal(t, "https://example.com/docs", created.Target)
	assert.False(t, created.PasswordProtected)
	assert.Nil(t, created.ExpiresAt)

	out, err = runCLI(t, dir, "link", "get", "--json", "docs")
	require.NoError(t, err)

	var got ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "https://example.com/docs", got.Target)

	out, err = runCLI(t, dir, "link", "update", "--target", "https://example.com/v2", "--json", "docs")
	require.NoError(t, err)

	var updated ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, "https://example.com/v2", updated.Target)

	out, err = runCLI(t, dir, "link", "update", "--expires", "45m", "--json", "docs")
	require.NoError(t, err)

	var expiring ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &expiring))
	require.NotNil(t, expiring.ExpiresAt)
	assert.True(t, expiring.ExpiresAt.After(time.Now()))

	out, err = runCLI(t, dir, "link", "update", "--expires", "never", "--json", "docs")
	require.NoError(t, err)

	var cleared ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &cleared))
	assert.Nil(t, cleared.ExpiresAt)

	out, err = runCLI(t, dir, "link", "list", "--json")
	require.NoError(t, err)

	var page ipc.LinkPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Links, 1)
	assert.Equal(t, "docs", page.Links[0].Code)

	out, err = runCLI(t, dir, "link", "rm", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "removed docs")

	_, err = runCLI(t, dir, "link", "get", "docs")
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestLinkAddRandomCode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	out, err := runCLI(t, dir, "link", "add", "--password", "hunter2", "--json", "https://example.com/")
	require.NoError(t, err)

	var created ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.NotEmpty(t, created.Code)
	assert.True(t, created.PasswordProtected)
}

func TestLinkArgValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := runCLI(t, dir, "link", "add")
	require.Error(t, err)

	_, err = runCLI(t, dir, "link", "get")
	require.ErrorIs(t, err, shortlinker.ErrCodeArgRequired)

	_, err = runCLI(t, dir, "link", "rm")
	require.ErrorIs(t, err, shortlinker.ErrCodeArgRequired)

	_, err = runCLI(t, dir, "link", "update", "docs")
	require.ErrorContains(t, err, "nothing to update")
}

func TestLinkImportExport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	csvFile := filepath.Join(dir, "links.csv")
	dump := strings.Join([]string{
		"code,target,created_at,expires_at,password,click_count",
		"alpha,https://example.com/a,2024-01-02T03:04:05Z,,,7",
		"beta,https://example.com/b,2024-01-02T03:04:05Z,,,0",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(csvFile, []byte(dump), 0o600))

	out, err := runCLI(t, dir, "link", "import", "--json", csvFile)
	require.NoError(t, err)

	var res link.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Created)
	assert.Zero(t, res.Failed)

	out, err = runCLI(t, dir, "link", "get", "--json", "alpha")
	require.NoError(t, err)

	var got ipc.Link
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.EqualValues(t, 7, got.ClickCount)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got.CreatedAt.UTC())

	// The default mode skips rows whose code is already taken.
	out, err = runCLI(t, dir, "link", "import", "--json", csvFile)
	require.NoError(t, err)

	var again link.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &again))
	assert.Zero(t, again.Created)
	assert.Equal(t, 2, again.Skipped)

	// Mode error aborts on conflicts but still reports the rows.
	out, err = runCLI(t, dir, "link", "import", "--mode", "error", csvFile)
	require.ErrorIs(t, err, link.ErrImportAborted)
	assert.Contains(t, out, "code already exists")

	out, err = runCLI(t, dir, "link", "export")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "code,target,created_at,expires_at,password,click_count", lines[0])
	assert.Contains(t, out, "alpha,https://example.com/a")

	exportFile := filepath.Join(dir, "dump.csv")
	_, err = runCLI(t, dir, "link", "export", exportFile)
	require.NoError(t, err)

	data, err := os.ReadFile(exportFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "beta,https://example.com/b")
}

func TestConfigCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	out, err := runCLI(t, dir, "config", "set", "--json", config.KeyCacheEnabled, "false")
	require.NoError(t, err)

	var res config.SetResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Changed)
	assert.Equal(t, "true", res.OldValue)
	assert.Equal(t, "false", res.NewValue)

	out, err = runCLI(t, dir, "config", "get", "--json", config.KeyCacheEnabled)
	require.NoError(t, err)

	var row ipc.ConfigRow
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, "false", row.Value)
	assert.Equal(t, "true", row.DefaultValue)

	out, err = runCLI(t, dir, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, config.KeyCacheEnabled)

	out, err = runCLI(t, dir, "config", "history", "--json", config.KeyCacheEnabled)
	require.NoError(t, err)

	var hist []ipc.ConfigHistoryRow
	require.NoError(t, json.Unmarshal([]byte(out), &hist))
	require.NotEmpty(t, hist)
	assert.Equal(t, "cli", hist[0].ChangedBy)

	out, err = runCLI(t, dir, "config", "reset", "--json", config.KeyCacheEnabled)
	require.NoError(t, err)

	var reset config.SetResult
	require.NoError(t, json.Unmarshal([]byte(out), &reset))
	assert.Equal(t, "true", reset.NewValue)

	_, err = runCLI(t, dir, "config", "set", "no.such.key", "1")
	require.Error(t, err)

	_, err = runCLI(t, dir, "config", "set", config.KeyCacheEnabled)
	require.Error(t, err)
}

func TestConfigSensitiveValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	out, err := runCLI(t, dir, "config", "set", "--json", config.KeyBackupS3SecretKey, "hunter2")
	require.NoError(t, err)

	var res config.SetResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Sensitive)
	assert.Equal(t, database.RedactedValue, res.NewValue)

	out, err = runCLI(t, dir, "config", "get", "--json", config.KeyBackupS3SecretKey)
	require.NoError(t, err)

	var row ipc.ConfigRow
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, database.RedactedValue, row.Value)

	out, err = runCLI(t, dir, "config", "get", "--reveal", "--json", config.KeyBackupS3SecretKey)
	require.NoError(t, err)

	var revealed ipc.ConfigRow
	require.NoError(t, json.Unmarshal([]byte(out), &revealed))
	assert.Equal(t, "hunter2", revealed.Value)
}

func TestCtlWithoutDaemon(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	out, err := runCLI(t, dir, "ctl", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")

	_, err = runCLI(t, dir, "ctl", "ping")
	require.ErrorIs(t, err, shortlinker.ErrDaemonNotRunning)

	_, err = runCLI(t, dir, "ctl", "shutdown")
	require.ErrorIs(t, err, shortlinker.ErrDaemonNotRunning)

	_, err = runCLI(t, dir, "ctl", "reload")
	require.ErrorIs(t, err, shortlinker.ErrDaemonNotRunning)

	// A bad target fails locally before the socket is dialed.
	_, err = runCLI(t, dir, "ctl", "reload", "bogus")
	require.Error(t, err)
	require.NotErrorIs(t, err, shortlinker.ErrDaemonNotRunning)
}

func TestBackupRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dest := t.TempDir()

	_, err := runCLI(t, dir, "link", "add", "--code", "docs", "https://example.com/docs")
	require.NoError(t, err)

	_, err = runCLI(t, dir, "config", "set", config.KeyBackupLocalDir, dest)
	require.NoError(t, err)

	out, err := runCLI(t, dir, "backup", "run", "--json")
	require.NoError(t, err)

	var res backup.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Links)
	require.Len(t, res.Destinations, 1)

	info, err := os.Stat(filepath.Join(dest, res.Archive))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestBackupRunWithoutDestination(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, t.TempDir(), "backup", "run")
	require.ErrorIs(t, err, backup.ErrNoDestination)
}

func TestDatabaseURLOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbFile := filepath.Join(dir, "custom.db")

	_, err := runCLI(t, dir, "--database-url", "sqlite:"+dbFile, "link", "add", "--code", "x", "https://example.com/")
	require.NoError(t, err)

	_, err = os.Stat(dbFile)
	require.NoError(t, err)

	// The default location stays untouched when a URL is given.
	_, err = os.Stat(filepath.Join(dir, "shortlinker.db"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNonSQLiteBackendRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, t.TempDir(), "--storage-backend", "postgres", "link", "list")
	require.ErrorIs(t, err, shortlinker.ErrDatabaseURLRequired)
}
