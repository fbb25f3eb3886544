package proxy

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

// excludedHeaders are not copied onto forwarded requests.
var excludedHeaders = map[string]bool{
	"host":            true,
	"postman-token":   true,
	"user-agent":      true,
	"accept":          true,
	"accept-encoding": true,
	"cache-control":   true,
	"connection":      true,
}

// forwardMethod maps the client's method to the one re-issued upstream.
// Unknown methods are sent as GET.
func forwardMethod(method string) string {
	switch m := strings.ToUpper(method); m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodPatch:
		return m
	default:
		return http.MethodGet
	}
}

// newForwardClient builds the client used for one forwarded request,
// routed through the upstream proxy when it applies to the target.
func (u *upstream) newForwardClient(target *url.URL) (*http.Client, error) {
	transport := &http.Transport{
		DialContext:        u.dialer.DialContext,
		DisableCompression: true,
	}

	proxyURL, err := u.proxyFor(target.Scheme, target.Hostname())
	if err != nil {
		return nil, err
	}
	if proxyURL != nil {
		if isSocksURL(proxyURL) {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return u.dialSocks5(ctx, proxyURL, addr)
			}
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Debug("HTTP/2 not available for forward transport: %v", err)
	}
	return &http.Client{Transport: transport}, nil
}

// buildForwardRequest re-creates the client's request against target.
func (c *proxyConn) buildForwardRequest(ctx context.Context, target *url.URL) (*http.Request, error) {
	body := c.req.Body()
	outReq, err := http.NewRequestWithContext(ctx, forwardMethod(c.req.Method), target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for _, h := range c.req.Headers {
		name := strings.ToLower(h.Name)
		if excludedHeaders[name] {
			continue
		}
		outReq.Header.Add(h.Name, h.Value)
	}
	// an empty value keeps net/http from adding its own
	outReq.Header.Set("User-Agent", "")
	outReq.Host = target.Host
	return outReq, nil
}

// handleForward re-issues the request to target and relays the response.
// A transport failure is status-logged and the client gets no reply; only a
// client that cannot be built is answered with 502.
func (c *proxyConn) handleForward(ctx context.Context, target string) {
	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Host == "" {
		if err == nil {
			err = NewConfigError(ErrCodeInvalidURL, nil)
		}
		logger.Warn("%s", logger.WithRequestID(c.id, "Invalid forward target %q: %v", target, err))
		c.reportError(target, err)
		return
	}

	client, err := c.upstream.newForwardClient(targetURL)
	if err != nil {
		logger.Error("%s", logger.WithRequestID(c.id, "Build forward client failed: %v", err))
		c.reply(NewBadGatewayResponse(ErrCodeInvalidUpstreamProxy))
		return
	}
	defer client.CloseIdleConnections()

	outReq, err := c.buildForwardRequest(ctx, targetURL)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(c.id, "Build forward request failed: %v", err))
		c.reportError(target, NewTransportError(ErrCodeForwardFailed, err))
		return
	}

	logger.Debug("%s", logger.WithRequestID(c.id, "Forwarding %s %s", outReq.Method, target))
	resp, err := client.Do(outReq)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("%s", logger.WithRequestID(c.id, "Forward to %s cancelled by shutdown", target))
			return
		}
		logger.Warn("%s", logger.WithRequestID(c.id, "Execute forward request to %s failed: %v", target, err))
		c.reportError(target, NewConnectError(ErrCodeUpstreamConnectFailed, err))
		return
	}

	c.reportStatusCode(target, resp.StatusCode)

	out, err := responseFromHTTP(resp, outReq.Method)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(c.id, "%v", NewTransportError(ErrCodeResponseReadFailed, err)))
		return
	}
	c.reply(out)
}
