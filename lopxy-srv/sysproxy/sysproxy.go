// Package sysproxy reads and writes the OS-level proxy setting.
package sysproxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// ErrUnsupportedPlatform is returned by every operation on platforms
// without a system proxy implementation.
var ErrUnsupportedPlatform = errors.New("system proxy is not supported on this platform")

// Config is one system proxy setting.
type Config struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server"` // host:port, or a per-scheme list like http=h:p;https=h:p
	Bypass  string `json:"bypass"` // ';' separated hosts, <local> for plain hostnames
}

// Manager is the capability to take, install and restore the OS setting.
type Manager interface {
	// Snapshot reads the current OS setting.
	Snapshot() (Config, error)
	// Install makes cfg the active OS setting.
	Install(cfg Config) error
	// Restore puts a previously taken snapshot back.
	Restore(cfg Config) error
}

// HasServer reports whether an upstream address is configured.
func (c Config) HasServer() bool {
	return strings.TrimSpace(c.Server) != ""
}

// Active reports whether traffic should be sent through the configured server.
func (c Config) Active() bool {
	return c.Enabled && c.HasServer()
}

// UpstreamURL resolves the proxy used for targets of the given scheme.
// Plain "host:port" applies to every scheme; per-scheme lists pick the
// matching entry, then "socks=" as a fallback.
func (c Config) UpstreamURL(scheme string) (*url.URL, error) {
	server := strings.TrimSpace(c.Server)
	if server == "" {
		return nil, fmt.Errorf("no proxy server configured")
	}

	if !strings.Contains(server, "=") {
		return normalizeProxyURL(server, "http")
	}

	entries := map[string]string{}
	for _, part := range strings.Split(server, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || v == "" {
			continue
		}
		entries[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	scheme = strings.ToLower(scheme)
	if v, ok := entries[scheme]; ok {
		return normalizeProxyURL(v, "http")
	}
	if scheme == "https" {
		if v, ok := entries["http"]; ok {
			return normalizeProxyURL(v, "http")
		}
	}
	if v, ok := entries["socks"]; ok {
		return normalizeProxyURL(v, "socks5")
	}
	return nil, fmt.Errorf("no proxy server configured for %s", scheme)
}

func normalizeProxyURL(server, defaultScheme string) (*url.URL, error) {
	if !strings.Contains(server, "://") {
		server = defaultScheme + "://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy server %q: %w", server, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy server %q: missing host", server)
	}
	if u.Port() == "" {
		port := "80"
		switch u.Scheme {
		case "socks5", "socks5h", "socks":
			port = "1080"
		case "https":
			port = "443"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// BypassList splits the bypass string into patterns.
func (c Config) BypassList() []string {
	var out []string
	for _, p := range strings.FieldsFunc(c.Bypass, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	}) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PointsTo reports whether the configured server addresses addr, so that
// a snapshot taken while lopxy is installed is not used as its own upstream.
func (c Config) PointsTo(addr string) bool {
	if !c.HasServer() {
		return false
	}
	u, err := c.UpstreamURL("http")
	if err != nil {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if u.Port() != port {
		return false
	}
	return sameHost(u.Hostname(), host)
}

func sameHost(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return isLoopback(a) && isLoopback(b)
}

func isLoopback(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// Memory keeps the setting in process memory. It backs tests and the
// --no-system-proxy mode of the start command.
type Memory struct {
	mu      sync.Mutex
	current Config
	history []Config
}

// NewMemory returns a Memory manager holding initial.
func NewMemory(initial Config) *Memory {
	return &Memory{current: initial}
}

func (m *Memory) Snapshot() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *Memory) Install(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = cfg
	m.history = append(m.history, cfg)
	return nil
}

func (m *Memory) Restore(cfg Config) error {
	return m.Install(cfg)
}

// History returns every config installed so far.
func (m *Memory) History() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Config, len(m.history))
	copy(out, m.history)
	return out
}

type unsupported struct{}

func (unsupported) Snapshot() (Config, error) { return Config{}, ErrUnsupportedPlatform }
func (unsupported) Install(Config) error      { return ErrUnsupportedPlatform }
func (unsupported) Restore(Config) error      { return ErrUnsupportedPlatform }
