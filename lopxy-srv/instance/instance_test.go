package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubAlive(t *testing.T, pids ...int) {
	t.Helper()
	orig := alive
	set := map[int]bool{}
	for _, p := range pids {
		set[p] = true
	}
	alive = func(pid int) bool { return set[pid] }
	t.Cleanup(func() { alive = orig })
}

func TestWriteReadFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "lopxy.pid")
	require.NoError(t, Write(path, &Info{PID: 1234, ManagerPort: 8283, ProxyPort: 7237}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1234\r\n8283\r\n7237", string(raw))

	info, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, &Info{PID: 1234, ManagerPort: 8283, ProxyPort: 7237}, info)
	assert.Equal(t, "http://127.0.0.1:8283", info.ManagerURL())
	assert.Equal(t, "127.0.0.1:7237", info.ProxyAddress())
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.pid"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("1\r\nx\r\n3"), 0o644))
	_, err = Read(bad)
	assert.Error(t, err)

	short := filepath.Join(dir, "short.pid")
	require.NoError(t, os.WriteFile(short, []byte("1\r\n2"), 0o644))
	_, err = Read(short)
	assert.Error(t, err)
}

func TestAcquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lopxy.pid")

	// no file
	require.NoError(t, Acquire(path))

	// live instance
	stubAlive(t, 999999)
	require.NoError(t, Write(path, &Info{PID: 999999, ManagerPort: 1, ProxyPort: 2}))
	err := Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.NotNil(t, Running(path))

	// stale instance is removed
	stubAlive(t)
	require.NoError(t, Acquire(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, Running(path))
}

func TestAcquireIgnoresOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lopxy.pid")
	stubAlive(t, os.Getpid())
	require.NoError(t, Write(path, &Info{PID: os.Getpid(), ManagerPort: 1, ProxyPort: 2}))
	assert.NoError(t, Acquire(path))
}

func TestAcquireRemovesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lopxy.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	require.NoError(t, Acquire(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveMissingIsNoError(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "missing.pid")))
}
