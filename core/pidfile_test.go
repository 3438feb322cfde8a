package core

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	path, err := AcquirePidFile(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// A second engine on the same data dir is refused.
	_, err = AcquirePidFile(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")

	ReleasePidFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStalePidFileIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, pidFileName)
	// No live process plausibly has this pid.
	require.NoError(t, os.WriteFile(stale, []byte("999999999\n"), 0o644))

	path, err := AcquirePidFile(dir)
	require.NoError(t, err)
	defer ReleasePidFile(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
}

func TestUnreadablePidFileIsTreatedAsStale(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, pidFileName)
	require.NoError(t, os.WriteFile(stale, []byte("not-a-pid"), 0o644))

	path, err := AcquirePidFile(dir)
	require.NoError(t, err)
	ReleasePidFile(path)
}
