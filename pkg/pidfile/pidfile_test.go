package pidfile_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/pidfile"
)

func TestAcquireWritesOwnPid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	f, err := pidfile.Acquire(dir)
	require.NoError(t, err)

	t.Cleanup(func() { _ = f.Release() })

	pid, err := pidfile.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, pidfile.Alive(dir))
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// The test process itself is as alive as it gets.
	require.NoError(t,
		os.WriteFile(pidfile.Path(dir), fmt.Appendf(nil, "%d\n", os.Getpid()), 0o600))

	_, err := pidfile.Acquire(dir)
	require.ErrorIs(t, err, pidfile.ErrAlreadyRunning)
}

func TestAcquireTakesOverStaleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Far beyond any real pid space, so the liveness probe fails.
	require.NoError(t, os.WriteFile(pidfile.Path(dir), []byte("999999999\n"), 0o600))

	f, err := pidfile.Acquire(dir)
	require.NoError(t, err)

	pid, err := pidfile.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, f.Release())

	_, err = os.Stat(pidfile.Path(dir))
	assert.True(t, os.IsNotExist(err))

	// A second release is a no-op.
	require.NoError(t, f.Release())
}

func TestReadWithoutFile(t *testing.T) {
	t.Parallel()

	pid, err := pidfile.Read(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, pidfile.Alive(t.TempDir()))
}

func TestMalformedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(pidfile.Path(dir), []byte("not-a-pid\n"), 0o600))

	_, err := pidfile.Read(dir)
	require.Error(t, err)
	assert.False(t, pidfile.Alive(dir))

	// Acquire refuses to guess what a mangled file means.
	_, err = pidfile.Acquire(dir)
	require.Error(t, err)
}
