package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubGOOS(t *testing.T, value string) {
	t.Helper()
	orig := goos
	goos = value
	t.Cleanup(func() { goos = orig })
}

func TestLocalFilePath(t *testing.T) {
	stubGOOS(t, "linux")

	path, ok := LocalFilePath("file:///tmp/my%20dir/f.js")
	assert.True(t, ok)
	assert.Equal(t, "/tmp/my dir/f.js", path)

	_, ok = LocalFilePath("")
	assert.False(t, ok)
	_, ok = LocalFilePath("file://")
	assert.False(t, ok)
	_, ok = LocalFilePath("file:///bad%zz")
	assert.False(t, ok)
}

func TestLocalFilePathWindows(t *testing.T) {
	stubGOOS(t, "windows")

	path, ok := LocalFilePath("file:///C:/Users/dev/my%20f.js")
	assert.True(t, ok)
	assert.Equal(t, `C:\Users\dev\my f.js`, path)
}

func TestLocalFileResponse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.js")
	content := []byte("alert(1)")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	resp := LocalFileResponse("file://"+filepath.ToSlash(path), "application/javascript")
	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, "8", resp.Header("Content-Length"))
	assert.Equal(t, "application/javascript", resp.Header("Content-Type"))
	assert.Equal(t, content, resp.Body)
	assert.True(t, strings.HasPrefix(string(resp.Bytes()),
		"HTTP/1.1 202 OK\r\ncontent-length: 8\r\ncontent-type: application/javascript\r\n\r\nalert(1)"))
}

func TestLocalFileResponseNotFound(t *testing.T) {
	resp := LocalFileResponse("file://"+filepath.ToSlash(filepath.Join(t.TempDir(), "missing.js")), "text/plain")
	assert.Equal(t, 404, resp.StatusCode)

	resp = LocalFileResponse("", "text/plain")
	assert.Equal(t, 404, resp.StatusCode)

	// a directory cannot be served
	resp = LocalFileResponse("file://"+filepath.ToSlash(t.TempDir()), "text/plain")
	assert.Equal(t, 404, resp.StatusCode)
}
