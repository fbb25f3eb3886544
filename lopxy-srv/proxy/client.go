package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

// upstream is the per-connection snapshot of the system proxy to route through.
type upstream struct {
	cfg     sysproxy.Config
	enabled bool
	bypass  *BypassMatcher
	dialer  *net.Dialer
}

// proxyFor returns the upstream proxy for a target, nil when it is reached directly.
func (u *upstream) proxyFor(scheme, host string) (*url.URL, error) {
	if !u.enabled || u.bypass.Match(host) {
		return nil, nil
	}
	proxyURL, err := u.cfg.UpstreamURL(scheme)
	if err != nil {
		return nil, NewConnectError(ErrCodeInvalidUpstreamProxy, err)
	}
	return proxyURL, nil
}

func isSocksURL(u *url.URL) bool {
	switch u.Scheme {
	case "socks", "socks5", "socks5h":
		return true
	}
	return false
}

// dialTunnel connects to a CONNECT target, through the upstream proxy when
// one is active for it.
func (u *upstream) dialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewConnectError(ErrCodeInvalidAddress, fmt.Errorf("%s: %w", addr, err))
	}

	proxyURL, err := u.proxyFor("https", host)
	if err != nil {
		return nil, err
	}
	if proxyURL == nil {
		return u.dialDirect(ctx, addr)
	}

	logger.Debug("Tunneling to %s via upstream proxy %s", addr, proxyURL.Host)
	if isSocksURL(proxyURL) {
		return u.dialSocks5(ctx, proxyURL, addr)
	}
	return u.dialHttpProxy(ctx, proxyURL, addr)
}

// dialDirect opens a plain TCP connection to addr.
func (u *upstream) dialDirect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := u.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewConnectError(ErrCodeDialFailed, err)
	}
	return conn, nil
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (u *upstream) dialSocks5(ctx context.Context, proxyURL *url.URL, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
	}

	socksDialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, u.dialer)
	if err != nil {
		return nil, NewConnectError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", proxyURL.Host, err))
	}

	// Use a channel to handle the connection with proper context cancellation
	type result struct {
		conn net.Conn
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		var conn net.Conn
		var err error

		if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", targetHostPort)
		} else {
			conn, err = socksDialer.Dial("tcp", targetHostPort)
		}

		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewConnectError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, proxyURL.Host, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		// the dial goroutine closes its connection when it finishes late
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, NewConnectError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, proxyURL.Host, ctx.Err()))
	}
}

// dialHttpProxy establishes a connection to the target via an HTTP proxy using CONNECT
func (u *upstream) dialHttpProxy(ctx context.Context, proxyURL *url.URL, targetHostPort string) (net.Conn, error) {
	proxyConn, err := u.dialer.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, NewConnectError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", proxyURL.Host, err))
	}

	connectReq, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewConnectError(ErrCodeCONNECTRequestFailed, fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", "lopxy/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		proxyAuth := proxyURL.User.Username() + ":" + password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyAuth)))
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeQuietly(proxyConn)
		return nil, NewConnectError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", proxyURL.Host, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewConnectError(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", proxyURL.Host, err))
	}
	defer connectResp.Body.Close()

	if connectResp.StatusCode != http.StatusOK {
		closeQuietly(proxyConn)
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		return nil, NewConnectError(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %s. Body: %s",
			proxyURL.Host, targetHostPort, connectResp.Status, strings.TrimSpace(string(bodyBytes))))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", proxyURL.Host, targetHostPort)

	// bytes the proxy sent right after its reply belong to the tunnel
	if n := proxyReader.Buffered(); n > 0 {
		buf, _ := proxyReader.Peek(n)
		return &bufferConn{Conn: proxyConn, buf: append([]byte(nil), buf...)}, nil
	}
	return proxyConn, nil
}

type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing connection: %v", err)
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
