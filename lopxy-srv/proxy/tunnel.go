package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

const connectEstablished = "HTTP/1.0 200 Connection Established\r\n\r\n"

// relay copies bytes in both directions until one side ends or ctx is
// cancelled. Both connections are closed on return. toClient wraps the
// client side writer of the upstream to client direction when non-nil.
func relay(ctx context.Context, clientConn, targetConn net.Conn, toClient io.Writer) error {
	if toClient == nil {
		toClient = clientConn
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	var (
		errMu    sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		if err == nil || isClosedConnError(err) || errors.Is(err, io.EOF) {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	go func() {
		defer wg.Done()
		defer cancel() // whichever direction ends first ends the session
		_, err := copyBuffer(targetConn, clientConn)
		setErr(err)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		_, err := copyBuffer(toClient, targetConn)
		setErr(err)
	}()

	// Close both connections once either direction ends or shutdown fires
	go func() {
		<-ctx.Done()
		clientConn.Close()
		targetConn.Close()
	}()

	wg.Wait()
	return firstErr
}

// statusSniffer passes writes through and reports the status code found in
// the first write, which starts the upstream response.
type statusSniffer struct {
	w        io.Writer
	sniffed  bool
	onStatus func(code int)
}

func (s *statusSniffer) Write(p []byte) (int, error) {
	if !s.sniffed && len(p) > 0 {
		s.sniffed = true
		if code, ok := parseStatusCode(p); ok {
			s.onStatus(code)
		}
	}
	return s.w.Write(p)
}

// handleConnectTunnel serves a CONNECT request. A failed outbound connect is
// status-logged and the client gets no reply.
func (c *proxyConn) handleConnectTunnel(ctx context.Context) {
	targetConn, err := c.upstream.dialTunnel(ctx, c.host)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(c.id, "Connect remote https server %s failed: %v", c.host, err))
		c.reportError(c.host, err)
		return
	}

	if _, err := io.WriteString(c.conn, connectEstablished); err != nil {
		logger.Debug("%s", logger.WithRequestID(c.id, "Reply connection established failed: %v", err))
		targetConn.Close()
		return
	}

	logger.Debug("%s", logger.WithRequestID(c.id, "Tunnel open to %s", c.host))
	if err := relay(ctx, c.conn, targetConn, nil); err != nil {
		logger.Debug("%s", logger.WithRequestID(c.id, "%v", NewTransportError(ErrCodeTunnelFailed, err)))
	}
	if ctx.Err() != nil {
		logger.Debug("%s", logger.WithRequestID(c.id, "Proxy server shutdown triggered, closed tunnel to %s", c.host))
	}
}

// handleDirectTunnel relays an unmapped plain HTTP request to its origin.
// The request bytes already read are sent first and the response status is
// taken from the first bytes coming back.
func (c *proxyConn) handleDirectTunnel(ctx context.Context) {
	requestURL := c.req.URL()

	targetConn, err := c.upstream.dialDirect(ctx, c.host)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(c.id, "Connect remote http server %s failed: %v", c.host, err))
		c.reportError(requestURL, err)
		return
	}

	if _, err := targetConn.Write(c.req.Raw); err != nil {
		targetConn.Close()
		terr := NewTransportError(ErrCodeRequestWriteFailed, err)
		logger.Warn("%s", logger.WithRequestID(c.id, "Direct tunnel transmit failed: %v", terr))
		c.reportError(requestURL, terr)
		return
	}

	sniffer := &statusSniffer{
		w: c.conn,
		onStatus: func(code int) {
			c.reportStatusCode(requestURL, code)
		},
	}
	if err := relay(ctx, c.conn, targetConn, sniffer); err != nil {
		logger.Debug("%s", logger.WithRequestID(c.id, "%v", NewTransportError(ErrCodeTunnelFailed, err)))
	}
}
