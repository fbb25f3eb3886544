package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseBytes(t *testing.T) {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Reason:     "OK",
		Headers:    []Header{{"b-header", "2"}, {"a-header", "1"}},
		Body:       []byte("body"),
	}
	assert.Equal(t, "HTTP/1.1 200 OK\r\nb-header: 2\r\na-header: 1\r\n\r\nbody", string(resp.Bytes()))

	var buf bytes.Buffer
	n, err := resp.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, resp.Bytes(), buf.Bytes())
}

func TestFixedResponses(t *testing.T) {
	notFound := string(NotFoundResponse().Bytes())
	assert.True(t, strings.HasPrefix(notFound, "HTTP/1.1 404 Not Found\r\ncontent-type: text/html; charset=utf-8\r\n\r\n"))
	assert.Contains(t, notFound, "<h1>404 Not Found</h1>")

	badGateway := NewBadGatewayResponse(ErrCodeInvalidUpstreamProxy)
	assert.Equal(t, 502, badGateway.StatusCode)
	assert.Equal(t, ErrCodeInvalidUpstreamProxy, badGateway.Header("X-Lopxy-Error"))
	assert.True(t, strings.HasPrefix(string(badGateway.Bytes()), "HTTP/1.1 502 Bad Gateway\r\n"))
	assert.Empty(t, NewBadGatewayResponse("").Header("x-lopxy-error"))
}

func TestProtoLabel(t *testing.T) {
	assert.Equal(t, "HTTP/0.9", protoLabel(0, 9))
	assert.Equal(t, "HTTP/1.0", protoLabel(1, 0))
	assert.Equal(t, "HTTP/1.1", protoLabel(1, 1))
	assert.Equal(t, "HTTP/2.0", protoLabel(2, 0))
	assert.Equal(t, "HTTP/3.0", protoLabel(3, 0))
	assert.Equal(t, "HTTP/1.1", protoLabel(7, 7))
}

func TestParseStatusCode(t *testing.T) {
	code, ok := parseStatusCode([]byte("HTTP/1.1 404 Not Found\r\n"))
	assert.True(t, ok)
	assert.Equal(t, 404, code)

	code, ok = parseStatusCode([]byte("HTTP/1.0 200"))
	assert.True(t, ok)
	assert.Equal(t, 200, code)

	_, ok = parseStatusCode([]byte("SSH-2.0-OpenSSH"))
	assert.False(t, ok)
	_, ok = parseStatusCode([]byte("HTTP/1.1 abc"))
	assert.False(t, ok)
	_, ok = parseStatusCode(nil)
	assert.False(t, ok)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "", statusText(200))
	assert.Equal(t, "", statusText(204))
	assert.Equal(t, "404 Not Found", statusText(404))
	assert.Equal(t, "301 Moved Permanently", statusText(301))
	assert.Equal(t, "599", statusText(599))
	assert.Equal(t, "Unknown Status", statusText(1000))
}

func TestResponseFromHTTP(t *testing.T) {
	resp := &http.Response{
		Status:        "201 Created",
		StatusCode:    201,
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        http.Header{"X-B": {"2"}, "X-A": {"1", "1b"}},
		Body:          io.NopCloser(strings.NewReader("created")),
		ContentLength: -1,
	}
	out, err := responseFromHTTP(resp, http.MethodPost)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0 201 Created\r\nx-a: 1\r\nx-a: 1b\r\nx-b: 2\r\ncontent-length: 7\r\n\r\ncreated", string(out.Bytes()))

	head := &http.Response{
		Status:     "200 OK",
		StatusCode: 200,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
	out, err = responseFromHTTP(head, http.MethodHead)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(out.Bytes()))
}
