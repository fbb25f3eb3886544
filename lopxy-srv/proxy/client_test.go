package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

// startConnectProxy runs a minimal HTTP proxy that answers CONNECT with
// status and then echoes the tunnel. It reports the requested authority.
func startConnectProxy(t *testing.T, status int, greeting string) (string, <-chan *http.Request) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	requests := make(chan *http.Request, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				requests <- req
				fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n%s", status, http.StatusText(status), greeting)
				if status != http.StatusOK {
					return
				}
				_, _ = io.Copy(conn, br)
			}(conn)
		}
	}()
	return ln.Addr().String(), requests
}

func testUpstream(cfg sysproxy.Config) *upstream {
	return &upstream{
		cfg:     cfg,
		enabled: cfg.Active(),
		bypass:  NewBypassMatcher(cfg.BypassList()),
		dialer:  &net.Dialer{Timeout: 5 * time.Second},
	}
}

func TestDialHttpProxy(t *testing.T) {
	proxyAddr, requests := startConnectProxy(t, http.StatusOK, "hi")
	proxyURL, _ := url.Parse("http://user:secret@" + proxyAddr)

	conn, err := testUpstream(sysproxy.Config{}).dialHttpProxy(context.Background(), proxyURL, "target.example:443")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	req := <-requests
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "target.example:443", req.Host)
	assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", req.Header.Get("Proxy-Authorization"))

	// bytes sent right after the CONNECT reply are not lost
	greeting := make([]byte, 2)
	_, err = io.ReadFull(conn, greeting)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(greeting))

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	echoed := make([]byte, 4)
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))
}

func TestDialHttpProxyDenied(t *testing.T) {
	proxyAddr, _ := startConnectProxy(t, http.StatusForbidden, "")
	proxyURL, _ := url.Parse("http://" + proxyAddr)

	_, err := testUpstream(sysproxy.Config{}).dialHttpProxy(context.Background(), proxyURL, "target.example:443")
	require.Error(t, err)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeProxyDenied, proxyErr.Code)
	assert.True(t, IsConnectError(err))
}

func TestDialTunnelRouting(t *testing.T) {
	echo := newEchoBackend(t)
	proxyAddr, requests := startConnectProxy(t, http.StatusOK, "")

	// through the upstream proxy
	up := testUpstream(sysproxy.Config{Enabled: true, Server: proxyAddr})
	conn, err := up.dialTunnel(context.Background(), "remote.example:443")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, "remote.example:443", (<-requests).Host)

	// bypassed hosts are dialed directly
	up = testUpstream(sysproxy.Config{Enabled: true, Server: proxyAddr, Bypass: "127.0.0.1"})
	conn, err = up.dialTunnel(context.Background(), echo)
	require.NoError(t, err)
	conn.Close()
	select {
	case req := <-requests:
		t.Fatalf("bypassed host went through upstream: %s", req.Host)
	default:
	}

	_, err = up.dialTunnel(context.Background(), "no-port")
	assert.True(t, IsConnectError(err))
}

func TestDialSocks5(t *testing.T) {
	socksServer, err := go_socks5.New(&go_socks5.Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	echo := newEchoBackend(t)
	up := testUpstream(sysproxy.Config{Enabled: true, Server: "socks=" + ln.Addr().String()})

	conn, err := up.dialTunnel(context.Background(), echo)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	echoed := make([]byte, 4)
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = up.dialTunnel(ctx, echo)
	assert.True(t, IsConnectError(err))
}

func TestForwardMethod(t *testing.T) {
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "HEAD", "PATCH"} {
		assert.Equal(t, m, forwardMethod(m))
	}
	assert.Equal(t, "POST", forwardMethod("post"))
	assert.Equal(t, "GET", forwardMethod("OPTIONS"))
	assert.Equal(t, "GET", forwardMethod("TRACE"))
}
