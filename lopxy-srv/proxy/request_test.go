package proxy

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// burstReader returns one slice per Read call
type burstReader struct {
	bursts [][]byte
	err    error
}

func (r *burstReader) Read(p []byte) (int, error) {
	if len(r.bursts) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.bursts[0])
	if n == len(r.bursts[0]) {
		r.bursts = r.bursts[1:]
	} else {
		r.bursts[0] = r.bursts[0][n:]
	}
	return n, nil
}

func TestReadRequestStopsOnShortRead(t *testing.T) {
	r := &burstReader{bursts: [][]byte{[]byte("GET / HTTP/1.1\r\n\r\n"), []byte("never read")}}
	raw, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(raw))
}

func TestReadRequestCollectsFullChunks(t *testing.T) {
	full := strings.Repeat("a", RequestChunkSize)
	r := &burstReader{bursts: [][]byte{[]byte(full), []byte(full), []byte("tail")}}
	raw, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 2*RequestChunkSize+4, len(raw))

	r = &burstReader{bursts: [][]byte{[]byte(full)}}
	raw, err = ReadRequest(r)
	require.NoError(t, err, "EOF after a full chunk ends the burst")
	assert.Equal(t, RequestChunkSize, len(raw))
}

func TestReadRequestErrors(t *testing.T) {
	_, err := ReadRequest(&burstReader{})
	assert.True(t, IsParseError(err))

	_, err = ReadRequest(&burstReader{err: errors.New("reset")})
	assert.True(t, IsParseError(err))
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeRequestReadFailed, proxyErr.Code)
}

func TestParseRequest(t *testing.T) {
	raw := []byte("POST http://a.com/api?x=1 HTTP/1.1\r\n" +
		"Host: a.com\r\n" +
		"content-length: 5\r\n" +
		"X-Empty:\r\n" +
		"\r\n" +
		"hello")

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "http://a.com/api?x=1", req.Target)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.False(t, req.Partial)
	assert.False(t, req.IsConnect())
	assert.Equal(t, []Header{{"Host", "a.com"}, {"content-length", "5"}, {"X-Empty", ""}}, req.Headers)
	assert.Equal(t, "a.com", req.Header("HOST"))
	assert.Equal(t, 5, req.ContentLength())
	assert.Equal(t, "hello", string(req.Body()))
	assert.Equal(t, "http://a.com/api?x=1", req.URL())

	host, err := req.Host()
	require.NoError(t, err)
	assert.Equal(t, "a.com:80", host)
}

func TestParseRequestMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"GET / HTTP/1.1",
		"garbage\r\n\r\n",
		"GET /\r\n\r\n",
		"GET / FTP/1.0\r\n\r\n",
		"G(T / HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.1\r\nno colon here\r\n\r\n",
		"GET / HTTP/1.1\r\n: empty name\r\n\r\n",
	} {
		_, err := ParseRequest([]byte(raw))
		assert.True(t, IsParseError(err), "%q should be rejected", raw)
	}
}

func TestParseRequestTooManyHeaders(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i <= maxRequestHeaders; i++ {
		b.WriteString("X-H: v\r\n")
	}
	b.WriteString("\r\n")
	_, err := ParseRequest([]byte(b.String()))
	assert.True(t, IsParseError(err))
}

func TestParseRequestPartial(t *testing.T) {
	req, err := ParseRequest([]byte("GET http://a.com/ HTTP/1.1\r\nHost: a.com\r\nX-Cut: va"))
	require.NoError(t, err)
	assert.True(t, req.Partial)
	assert.Equal(t, []Header{{"Host", "a.com"}}, req.Headers)
	assert.Empty(t, req.Body())
}

func TestRequestBodyGuard(t *testing.T) {
	req, err := ParseRequest([]byte("POST / HTTP/1.1\r\nHost: a.com\r\nContent-Length: 100\r\n\r\nshort"))
	require.NoError(t, err)
	assert.Empty(t, req.Body(), "declared length beyond the burst yields no body")

	req, err = ParseRequest([]byte("POST / HTTP/1.1\r\nHost: a.com\r\nContent-Length: nope\r\n\r\nshort"))
	require.NoError(t, err)
	assert.Equal(t, 0, req.ContentLength())
	assert.Empty(t, req.Body())

	req, err = ParseRequest([]byte("POST / HTTP/1.1\nHost: a.com\nContent-Length: 3\n\nabcdef"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(req.Body()))
}

func TestRequestHostResolution(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"host header", "GET / HTTP/1.1\r\nHost: a.com\r\n\r\n", "a.com:80"},
		{"host header with port", "GET / HTTP/1.1\r\nHost: a.com:8080\r\n\r\n", "a.com:8080"},
		{"header wins over target", "GET http://b.com/ HTTP/1.1\r\nHost: a.com\r\n\r\n", "a.com:80"},
		{"absolute target", "GET http://b.com:81/x HTTP/1.1\r\n\r\n", "b.com:81"},
		{"absolute target default port", "GET http://b.com/x HTTP/1.1\r\n\r\n", "b.com:80"},
		{"ipv6", "GET / HTTP/1.1\r\nHost: [::1]\r\n\r\n", "[::1]:80"},
		{"connect authority", "CONNECT a.com:443 HTTP/1.1\r\nHost: a.com\r\n\r\n", "a.com:443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.raw))
			require.NoError(t, err)
			host, err := req.Host()
			require.NoError(t, err)
			assert.Equal(t, tt.want, host)
		})
	}

	req, err := ParseRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	_, err = req.Host()
	assert.True(t, IsParseError(err))
}

func TestRequestURL(t *testing.T) {
	req, _ := ParseRequest([]byte("GET /f.js?v=2 HTTP/1.1\r\nHost: a.com\r\n\r\n"))
	assert.Equal(t, "http://a.com/f.js?v=2", req.URL())

	req, _ = ParseRequest([]byte("CONNECT a.com:443 HTTP/1.1\r\n\r\n"))
	assert.True(t, req.IsConnect())
	assert.Equal(t, "a.com:443", req.URL())

	req, _ = ParseRequest([]byte("GET /x HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "/x", req.URL())
}
