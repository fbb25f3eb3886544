// Package proxy is the lopxy proxy engine: it accepts client connections,
// parses one request per connection and either tunnels it, forwards it, or
// answers it from a local file according to the redirect registry.
package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/netstat"
)

// Server is the connection acceptor.
type Server struct {
	address  string
	ctrl     Controller
	shutdown *ShutdownCoordinator

	mu       sync.Mutex
	listener net.Listener

	bypassMu  sync.Mutex
	bypassKey string
	bypass    *BypassMatcher

	// PIDLookup maps the client's local port and the proxy port to a pid.
	PIDLookup func(localPort, remotePort uint32) uint32
	dialer    *net.Dialer
}

// NewServer creates a server for address. Every connection handler is
// registered with shutdown.
func NewServer(address string, ctrl Controller, shutdown *ShutdownCoordinator) *Server {
	return &Server{
		address:   address,
		ctrl:      ctrl,
		shutdown:  shutdown,
		PIDLookup: netstat.PIDForPort,
		dialer:    &net.Dialer{KeepAlive: 30 * time.Second},
	}
}

// Bind opens the listener. Failure is fatal for startup.
func (s *Server) Bind() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return NewBindError(s.address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until shutdown is triggered, then waits until
// every connection handler has returned.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if err := s.Bind(); err != nil {
			return err
		}
		return s.Serve()
	}
	return s.StartWithListener(listener)
}

// StartWithListener runs the accept loop on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	logger.Info("Lopxy proxy server listening on %s", listener.Addr())

	ctx := s.shutdown.Context()
	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !isClosedConnError(err) {
			logger.Error("Error closing proxy listener: %v", err)
		}
	})
	defer stop()

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				s.shutdown.Trigger()
				break
			}
			logger.Error("Lopxy proxy server encountered IO error: %v", err)
			continue
		}

		id := uuid.New().String()
		if !s.shutdown.Go(func(ctx context.Context) { s.handleConn(ctx, conn, id) }) {
			conn.Close()
			break
		}
	}

	logger.Debug("Proxy accept loop stopped, waiting for connections to drain")
	s.shutdown.Wait()
	logger.Info("Lopxy proxy server stopped")
	return serveErr
}

// Stop triggers shutdown. Serve returns once the handlers have drained.
func (s *Server) Stop() {
	s.shutdown.Trigger()
}

func (s *Server) bypassMatcher(entries []string, key string) *BypassMatcher {
	s.bypassMu.Lock()
	defer s.bypassMu.Unlock()
	if s.bypass == nil || s.bypassKey != key {
		s.bypass = NewBypassMatcher(entries)
		s.bypassKey = key
	}
	return s.bypass
}

// proxyConn is one accepted client connection and its parsed request.
type proxyConn struct {
	id       string
	srv      *Server
	conn     net.Conn
	req      *Request
	host     string
	pid      uint32
	upstream *upstream
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, id string) {
	defer conn.Close()

	// unblock pending reads and writes once shutdown fires
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	raw, err := ReadRequest(conn)
	if err != nil {
		logger.Debug("%s", logger.WithRequestID(id, "Collect proxy client request failed: %v", err))
		return
	}
	req, err := ParseRequest(raw)
	if err != nil {
		logger.Debug("%s", logger.WithRequestID(id, "Parse proxy request failed: %v", err))
		return
	}
	if req.Partial {
		logger.Debug("%s", logger.WithRequestID(id, "The request is partial"))
	}
	host, err := req.Host()
	if err != nil {
		logger.Debug("%s", logger.WithRequestID(id, "Get proxy request host failed: %v", err))
		return
	}

	upstreamCfg := s.ctrl.UpstreamProxy()
	c := &proxyConn{
		id:   id,
		srv:  s,
		conn: conn,
		req:  req,
		host: host,
		pid:  s.clientPID(conn),
		upstream: &upstream{
			cfg:     upstreamCfg,
			enabled: s.ctrl.IsSystemProxyEnabled(),
			bypass:  s.bypassMatcher(upstreamCfg.BypassList(), upstreamCfg.Bypass),
			dialer:  s.dialer,
		},
	}

	decision := Decide(req, s.ctrl)
	logger.Debug("%s", logger.WithRequestID(id, "%s %s (pid %d) -> %s", req.Method, req.Target, c.pid, decision.Route))

	switch decision.Route {
	case RouteConnectTunnel:
		c.handleConnectTunnel(ctx)
	case RouteDirectTunnel:
		c.handleDirectTunnel(ctx)
	case RouteLocalFile:
		c.reply(LocalFileResponse(decision.Item.ProxyResourceURL, decision.Item.ContentType))
	case RouteForward:
		c.handleForward(ctx, decision.Target)
	}
}

// clientPID resolves the process behind conn. 0 when unknown.
func (s *Server) clientPID(conn net.Conn) uint32 {
	if s.PIDLookup == nil {
		return 0
	}
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return s.PIDLookup(uint32(remote.Port), uint32(local.Port))
}

func (c *proxyConn) reply(resp *Response) {
	if _, err := resp.WriteTo(c.conn); err != nil {
		logger.Debug("%s", logger.WithRequestID(c.id, "%v", NewTransportError(ErrCodeResponseWriteFailed, err)))
	}
}

// reportError records a failed request under path.
func (c *proxyConn) reportError(path string, err error) {
	if path == "" {
		path = c.host
	}
	c.srv.ctrl.ReportStatus(c.pid, path, outcome(err))
}

// reportStatusCode records a non-2xx response under path.
func (c *proxyConn) reportStatusCode(path string, code int) {
	if text := statusText(code); text != "" {
		c.srv.ctrl.ReportStatus(c.pid, path, text)
	}
}
