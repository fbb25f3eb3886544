// Package manager serves the management REST API of a running lopxy
// instance and provides the client the command line uses to reach it.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lopxy/lopxy/lopxy-srv/controller"
	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/stats"
	"github.com/lopxy/lopxy/lopxy-srv/status"
)

const (
	maxFormSize       = 1 << 20
	defaultHistory    = 20
	watchPingInterval = 30 * time.Second
	watchWriteTimeout = 10 * time.Second
)

// Controller is what the API operates on.
type Controller interface {
	ListItems() []registry.ProxyItem
	AddItem(resourceURL, target, contentType string) error
	RemoveItem(resourceURL string) error
	ModifyItem(resourceURL, target, contentType string) error
	IsProxyEnabled() bool
	SetProxyEnabled(enabled bool) error
	StatusLogs() []status.Record
	Status(configTimestamp, statusTimestamp int64) controller.StatusReport
	Subscribe(buffer int) (<-chan status.Record, func())
	History(ctx context.Context, limit int) ([]stats.PathSummary, error)
	Shutdown()
}

// Result is the body of every mutating endpoint.
type Result struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Server is the management API server.
type Server struct {
	address  string
	ctrl     Controller
	secret   []byte
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

// NewServer creates a server for address. A non-empty secret requires every
// request to carry a bearer token signed with it.
func NewServer(address string, ctrl Controller, secret string) *Server {
	return &Server{
		address: address,
		ctrl:    ctrl,
		secret:  []byte(secret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Bind opens the listener.
func (s *Server) Bind() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
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

// Serve runs the API until Shutdown. It binds first when needed.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if err := s.Bind(); err != nil {
			return err
		}
		s.mu.Lock()
		listener = s.listener
		s.mu.Unlock()
	}
	return s.StartWithListener(listener)
}

// StartWithListener runs the API on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return listener.Close()
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	logger.Info("Lopxy web manager listening on %s", listener.Addr())
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the API, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	server := s.server
	listener := s.listener
	s.mu.Unlock()

	if server == nil {
		if listener != nil {
			return listener.Close()
		}
		return nil
	}
	return server.Shutdown(ctx)
}

// ServeHTTP routes management requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Manager request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if s.requiresAuthentication() && !s.isAuthenticated(r) {
		writeJSONStatus(w, http.StatusUnauthorized, Result{Error: "unauthorized"})
		return
	}

	path := r.URL.Path
	switch {
	case path == "/shutdown":
		s.route(w, r, http.MethodGet, s.serveShutdown)
	case path == "/list":
		s.route(w, r, http.MethodGet, s.serveList)
	case path == "/add":
		s.route(w, r, http.MethodPost, s.serveAdd)
	case path == "/remove":
		s.route(w, r, http.MethodDelete, s.serveRemove)
	case path == "/modify":
		s.route(w, r, http.MethodPost, s.serveModify)
	case path == "/is_proxy_enabled":
		s.route(w, r, http.MethodGet, s.serveIsProxyEnabled)
	case path == "/enable_proxy":
		s.route(w, r, http.MethodPost, s.serveEnableProxy)
	case path == "/proxy_request_logs":
		s.route(w, r, http.MethodGet, s.serveRequestLogs)
	case path == "/history":
		s.route(w, r, http.MethodGet, s.serveHistory)
	case path == "/status/watch":
		s.route(w, r, http.MethodGet, s.serveWatch)
	case strings.HasPrefix(path, "/status/"):
		s.route(w, r, http.MethodGet, s.serveStatus)
	default:
		writeJSONStatus(w, http.StatusNotFound, Result{Error: "not found"})
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, method string, handler http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSONStatus(w, http.StatusMethodNotAllowed, Result{Error: "method not allowed"})
		return
	}
	handler(w, r)
}

func (s *Server) serveShutdown(w http.ResponseWriter, r *http.Request) {
	logger.Info("Shutdown requested by %s", r.RemoteAddr)
	writeJSON(w, Result{Result: true})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	// the hook shuts this server down, which waits for this handler
	go s.ctrl.Shutdown()
}

func (s *Server) serveList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.ListItems())
}

func (s *Server) serveAdd(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}
	writeResult(w, s.ctrl.AddItem(form.Get("resource"), form.Get("resource_proxy"), form.Get("resource_content_type")))
}

func (s *Server) serveRemove(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}
	writeResult(w, s.ctrl.RemoveItem(form.Get("resource")))
}

func (s *Server) serveModify(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}
	writeResult(w, s.ctrl.ModifyItem(form.Get("resource"), form.Get("resource_proxy"), form.Get("resource_content_type")))
}

func (s *Server) serveIsProxyEnabled(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, Result{Result: s.ctrl.IsProxyEnabled()})
}

func (s *Server) serveEnableProxy(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}
	enabled, err := strconv.ParseBool(form.Get("enabled"))
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, Result{Error: "enabled must be true or false"})
		return
	}
	writeResult(w, s.ctrl.SetProxyEnabled(enabled))
}

func (s *Server) serveRequestLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctrl.StatusLogs())
}

// serveStatus handles /status/{status_log_timestamp}?config={config_timestamp}
func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	statusTS, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/status/"), 10, 64)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid status timestamp"})
		return
	}
	var configTS int64
	if raw := r.URL.Query().Get("config"); raw != "" {
		if configTS, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid config timestamp"})
			return
		}
	}
	writeJSON(w, s.ctrl.Status(configTS, statusTS))
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONStatus(w, http.StatusBadRequest, Result{Error: "invalid limit"})
			return
		}
		limit = n
	}
	summaries, err := s.ctrl.History(r.Context(), limit)
	if err != nil {
		if errors.Is(err, controller.ErrHistoryDisabled) {
			writeJSONStatus(w, http.StatusNotFound, Result{Error: err.Error()})
			return
		}
		logger.Error("Failed to query status history: %v", err)
		writeJSONStatus(w, http.StatusInternalServerError, Result{Error: "failed to query history"})
		return
	}
	writeJSON(w, summaries)
}

// serveWatch streams status records over a websocket. Records newer than the
// optional since parameter are sent first.
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request) {
	var since int64 = -1
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, Result{Error: "invalid since timestamp"})
			return
		}
		since = v
	}

	// subscribe before reading the backlog so no record falls in between
	records, cancel := s.ctrl.Subscribe(64)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(rec status.Record) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(rec); err != nil {
			logger.Debug("Websocket write failed: %v", err)
			return false
		}
		return true
	}

	last := since
	if since >= 0 {
		for _, rec := range s.ctrl.StatusLogs() {
			if rec.Timestamp > since {
				if !send(rec) {
					return
				}
				last = rec.Timestamp
			}
		}
	}

	ticker := time.NewTicker(watchPingInterval)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			if rec.Timestamp <= last {
				continue
			}
			if !send(rec) {
				return
			}
			last = rec.Timestamp
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// formValues returns the url-encoded form of r. net/http ignores the body
// of DELETE requests, so it is decoded here.
func formValues(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodDelete {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.Form, nil
	}

	values := r.URL.Query()
	if r.Body == nil {
		return values, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormSize))
	if err != nil {
		return nil, err
	}
	parsed, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for k, v := range parsed {
		values[k] = append(values[k], v...)
	}
	return values, nil
}

func writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		logger.Debug("Manager operation rejected: %v", err)
		writeJSON(w, Result{Error: err.Error()})
		return
	}
	writeJSON(w, Result{Result: true})
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
