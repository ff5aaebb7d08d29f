package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwnPid(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "nested", "guardian.pid"))
	require.NoError(t, f.Acquire())

	pid, start, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Greater(t, start, int64(0))

	owner, alive, err := f.Owner()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner)
	assert.True(t, alive)

	// re-acquiring from the same process is allowed
	require.NoError(t, f.Acquire())

	require.NoError(t, f.Release())
	_, err = os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, f.Release())
}

func TestAcquireReclaimsStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.pid")
	// pid far beyond any real pid_max
	require.NoError(t, os.WriteFile(path, []byte("99999999\n{\"start_unix\":1}\n"), 0o644))
	f := New(path)
	_, alive, err := f.Owner()
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, f.Acquire())
	pid, _, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireReclaimsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	f := New(path)
	_, _, err := f.Owner()
	require.Error(t, err)
	require.NoError(t, f.Acquire())
}

func TestPidReuseIsNotOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.pid")
	// our own pid but a start time that cannot match
	content := strconv.Itoa(os.Getpid()) + "\n{\"start_unix\":42}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, alive, err := New(path).Owner()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestOwnerMissingFile(t *testing.T) {
	pid, alive, err := New(filepath.Join(t.TempDir(), "none.pid")).Owner()
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, alive)
}

func TestStopOwnerNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))
	f := New(path)
	_, err := f.StopOwner(0)
	assert.True(t, errors.Is(err, ErrNotRunning))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "stale file removed")
}
