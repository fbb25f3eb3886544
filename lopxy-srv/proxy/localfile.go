package proxy

import (
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

// goos is replaced in tests
var goos = runtime.GOOS

// LocalFilePath converts a file URL into a native filesystem path.
func LocalFilePath(fileURL string) (string, bool) {
	if fileURL == "" {
		return "", false
	}
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", false
	}

	path := u.EscapedPath()
	if path == "" {
		path = u.Opaque
	}
	path, err = url.PathUnescape(path)
	if err != nil || path == "" {
		return "", false
	}

	if goos == "windows" {
		// file:///C:/dir/f.js -> C:\dir\f.js
		path = strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "\\")
	}
	return path, true
}

// LocalFileResponse serves the file behind fileURL. The whole file is read
// into memory; a missing or unreadable file yields 404.
func LocalFileResponse(fileURL, contentType string) *Response {
	path, ok := LocalFilePath(fileURL)
	if !ok {
		logger.Debug("Invalid local file URL %q", fileURL)
		return NotFoundResponse()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("%v", NewProxyError(ErrCodeLocalFileError, GetErrorDescription(ErrCodeLocalFileError), err))
		return NotFoundResponse()
	}

	return &Response{
		Proto:      "HTTP/1.1",
		StatusCode: 202,
		Reason:     "OK",
		Headers: []Header{
			{Name: "content-length", Value: strconv.Itoa(len(data))},
			{Name: "content-type", Value: contentType},
		},
		Body: data,
	}
}
