// Package controller holds the process-scoped state shared by the proxy
// engine and the management API: the redirect registry, the abnormal status
// log and the system proxy setting lopxy installed over.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/stats"
	"github.com/lopxy/lopxy/lopxy-srv/status"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

// Options wires a Controller.
type Options struct {
	Registry    *registry.Registry
	Reporter    *status.Reporter
	SystemProxy sysproxy.Manager
	// Stats is optional; History fails without it.
	Stats stats.Collector

	// ProxyAddress is the address the proxy listener is bound to.
	ProxyAddress string
	ManagerPort  int
	// Bypass is installed together with lopxy's proxy address.
	Bypass string

	// OnShutdown runs once on the first Shutdown call.
	OnShutdown func()
}

// StatusReport is the combined snapshot polled by management clients.
type StatusReport struct {
	Success            bool                 `json:"success"`
	WebManagerPort     int                  `json:"web_manager_port"`
	ProxyPort          int                  `json:"proxy_port"`
	ProxyEnabled       bool                 `json:"proxy_enabled"`
	Updated            bool                 `json:"updated"`
	StatusLogTimestamp int64                `json:"status_log_timestamp"`
	RequestStatusLogs  []status.Record      `json:"request_status_logs"`
	ConfigTimestamp    int64                `json:"config_timestamp"`
	ProxyItems         []registry.ProxyItem `json:"proxy_items"`
}

// Controller implements proxy.Controller and the operations of the manager.
type Controller struct {
	registry *registry.Registry
	reporter *status.Reporter
	sys      sysproxy.Manager
	stats    stats.Collector

	proxyAddr   string
	proxyPort   int
	managerPort int
	bypass      string

	mu        sync.RWMutex
	upstream  sysproxy.Config
	installed bool

	onShutdown   func()
	shutdownOnce sync.Once
}

// New creates a controller. A nil SystemProxy behaves like an unsupported platform.
func New(opts Options) *Controller {
	c := &Controller{
		registry:    opts.Registry,
		reporter:    opts.Reporter,
		sys:         opts.SystemProxy,
		stats:       opts.Stats,
		proxyAddr:   opts.ProxyAddress,
		managerPort: opts.ManagerPort,
		bypass:      opts.Bypass,
		onShutdown:  opts.OnShutdown,
	}
	if _, port, err := net.SplitHostPort(opts.ProxyAddress); err == nil {
		c.proxyPort, _ = strconv.Atoi(port)
	}
	if c.registry == nil {
		c.registry = registry.New(nil)
	}
	if c.reporter == nil {
		c.reporter = status.NewReporter(status.NewRing(status.DefaultCapacity), nil, nil)
	}
	return c
}

// Registry returns the redirect table.
func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

// Reporter returns the status reporter.
func (c *Controller) Reporter() *status.Reporter {
	return c.reporter
}

func (c *Controller) LookupRedirect(resourceURL string) (registry.ProxyItem, bool) {
	return c.registry.Lookup(resourceURL)
}

func (c *Controller) ReportStatus(pid uint32, path, outcome string) {
	c.reporter.Report(pid, path, outcome)
}

// IsSystemProxyEnabled reports whether the setting found at install time
// routes traffic through another proxy.
func (c *Controller) IsSystemProxyEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upstream.Active() && !c.upstream.PointsTo(c.proxyAddr)
}

// UpstreamProxy returns the setting found at install time.
func (c *Controller) UpstreamProxy() sysproxy.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upstream
}

// Own is the setting lopxy installs for itself.
func (c *Controller) Own() sysproxy.Config {
	return sysproxy.Config{Enabled: true, Server: c.proxyAddr, Bypass: c.bypass}
}

// InstallSystemProxy snapshots the current setting as upstream and points the
// system proxy at lopxy. A snapshot that already points at lopxy, left by an
// instance that did not exit cleanly, is kept as a disabled upstream.
func (c *Controller) InstallSystemProxy() error {
	if c.sys == nil {
		return sysproxy.ErrUnsupportedPlatform
	}
	snapshot, err := c.sys.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read system proxy: %w", err)
	}
	if snapshot.PointsTo(c.proxyAddr) {
		logger.Warn("System proxy already points to %s, treating it as disabled", c.proxyAddr)
		snapshot = sysproxy.Config{}
	}

	c.mu.Lock()
	c.upstream = snapshot
	c.mu.Unlock()

	if snapshot.Active() {
		logger.Info("Upstream system proxy: %s (bypass %q)", snapshot.Server, snapshot.Bypass)
	}

	if err := c.sys.Install(c.Own()); err != nil {
		return fmt.Errorf("failed to install system proxy: %w", err)
	}
	c.mu.Lock()
	c.installed = true
	c.mu.Unlock()
	logger.Info("System proxy set to %s", c.proxyAddr)
	return nil
}

// RestoreSystemProxy puts back the setting captured by InstallSystemProxy.
// It is a no-op when nothing was installed.
func (c *Controller) RestoreSystemProxy() error {
	c.mu.Lock()
	installed := c.installed
	upstream := c.upstream
	c.installed = false
	c.mu.Unlock()

	if !installed || c.sys == nil {
		return nil
	}
	if err := c.sys.Restore(upstream); err != nil {
		return fmt.Errorf("failed to restore system proxy: %w", err)
	}
	logger.Info("System proxy restored")
	return nil
}

func (c *Controller) ListItems() []registry.ProxyItem {
	return c.registry.List()
}

func (c *Controller) AddItem(resourceURL, target, contentType string) error {
	return c.registry.Add(resourceURL, target, contentType)
}

func (c *Controller) RemoveItem(resourceURL string) error {
	return c.registry.Remove(resourceURL)
}

func (c *Controller) ModifyItem(resourceURL, target, contentType string) error {
	return c.registry.Modify(resourceURL, target, contentType)
}

// IsProxyEnabled reports whether the system proxy currently points at lopxy.
// Without a readable system setting it falls back to what lopxy installed.
func (c *Controller) IsProxyEnabled() bool {
	if c.sys != nil {
		current, err := c.sys.Snapshot()
		if err == nil {
			return current.Enabled && current.PointsTo(c.proxyAddr)
		}
		if !errors.Is(err, sysproxy.ErrUnsupportedPlatform) {
			logger.Warn("Failed to read system proxy: %v", err)
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.installed
}

// SetProxyEnabled installs lopxy as system proxy, or puts back the upstream
// setting when enabled is false. The upstream used by the proxy engine is
// not changed.
func (c *Controller) SetProxyEnabled(enabled bool) error {
	if c.sys == nil {
		return sysproxy.ErrUnsupportedPlatform
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		if err := c.sys.Install(c.Own()); err != nil {
			return fmt.Errorf("failed to install system proxy: %w", err)
		}
		c.installed = true
		logger.Info("System proxy enabled")
		return nil
	}
	if err := c.sys.Restore(c.upstream); err != nil {
		return fmt.Errorf("failed to restore system proxy: %w", err)
	}
	c.installed = false
	logger.Info("System proxy disabled")
	return nil
}

// StatusLogs returns the abnormal status log, oldest first.
func (c *Controller) StatusLogs() []status.Record {
	return c.reporter.Ring().Records()
}

// Status returns what changed since the given config and status log timestamps.
func (c *Controller) Status(configTimestamp, statusTimestamp int64) StatusReport {
	report := StatusReport{
		Success:            true,
		WebManagerPort:     c.managerPort,
		ProxyPort:          c.proxyPort,
		ProxyEnabled:       c.IsProxyEnabled(),
		StatusLogTimestamp: statusTimestamp,
		RequestStatusLogs:  []status.Record{},
		ConfigTimestamp:    configTimestamp,
		ProxyItems:         []registry.ProxyItem{},
	}

	ring := c.reporter.Ring()
	if last := ring.LastTimestamp(); last > statusTimestamp {
		report.Updated = true
		report.StatusLogTimestamp = last
		report.RequestStatusLogs = ring.Since(statusTimestamp)
	}

	if updated := c.registry.Updated(); updated > configTimestamp {
		report.Updated = true
		report.ConfigTimestamp = updated
		report.ProxyItems = c.registry.List()
	}
	return report
}

// Subscribe streams new status records until cancel is called.
func (c *Controller) Subscribe(buffer int) (<-chan status.Record, func()) {
	return c.reporter.Subscribe(buffer)
}

// ErrHistoryDisabled is returned by History without a stats backend.
var ErrHistoryDisabled = errors.New("status history is disabled")

// History returns the most failing paths from durable storage.
func (c *Controller) History(ctx context.Context, limit int) ([]stats.PathSummary, error) {
	if c.stats == nil {
		return nil, ErrHistoryDisabled
	}
	return c.stats.TopFailingPaths(ctx, limit)
}

// Shutdown asks the process to stop. Only the first call has an effect.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger.Info("Shutdown requested")
		if c.onShutdown != nil {
			c.onShutdown()
		}
	})
}
