package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lopxy/lopxy/lopxy-srv/config"
	"github.com/lopxy/lopxy/lopxy-srv/controller"
	"github.com/lopxy/lopxy/lopxy-srv/instance"
	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/manager"
	"github.com/lopxy/lopxy/lopxy-srv/netstat"
	"github.com/lopxy/lopxy/lopxy-srv/proxy"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/stats"
	"github.com/lopxy/lopxy/lopxy-srv/status"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

const managerShutdownTimeout = 5 * time.Second

func newStartCommand(opts *rootOptions) *cobra.Command {
	var (
		managerPort   int
		proxyPort     int
		noSystemProxy bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy and the web manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			loaded := *cfg
			if cmd.Flags().Changed("web-manager-port") {
				cfg.SetManagerPort(managerPort)
			}
			if cmd.Flags().Changed("proxy-port") {
				cfg.SetProxyPort(proxyPort)
			}
			if config.HasChanged(&loaded, cfg) {
				logger.Debug("Flags override configuration: proxy %s, web manager %s", cfg.ProxyAddress, cfg.ManagerAddress)
			}

			var sys sysproxy.Manager = sysproxy.New()
			if noSystemProxy {
				sys = sysproxy.NewMemory(sysproxy.Config{})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, cfg, sys)
		},
	}

	cmd.Flags().IntVar(&managerPort, "web-manager-port", config.DefaultManagerPort, "Port of the web manager")
	cmd.Flags().IntVar(&proxyPort, "proxy-port", config.DefaultProxyPort, "Port of the proxy")
	cmd.Flags().BoolVar(&noSystemProxy, "no-system-proxy", false, "Do not change the system proxy setting")
	return cmd
}

// runStart runs lopxy until ctx is cancelled or the web manager receives
// /shutdown. The system proxy setting and the instance file are restored
// before it returns.
func runStart(ctx context.Context, cfg *config.Config, sys sysproxy.Manager) error {
	logger.Info("Starting lopxy %s", Version)

	if err := cfg.EnsureConfigDir(); err != nil {
		return err
	}
	instancePath := cfg.InstancePath()
	if err := instance.Acquire(instancePath); err != nil {
		return proxy.NewStartupError(proxy.ErrCodeAlreadyRunning, err)
	}

	info := &instance.Info{PID: os.Getpid(), ManagerPort: cfg.ManagerPort(), ProxyPort: cfg.ProxyPort()}
	if err := instance.Write(instancePath, info); err != nil {
		return proxy.NewStartupError(proxy.ErrCodeInstanceFileFailed, err)
	}
	defer func() {
		if err := instance.Remove(instancePath); err != nil {
			logger.Error("%v", err)
		}
	}()

	// both listeners are bound before the controller exists so that port 0
	// resolves to the real address it records
	proxyListener, err := net.Listen("tcp", cfg.ProxyAddress)
	if err != nil {
		return proxy.NewBindError(cfg.ProxyAddress, err)
	}
	managerListener, err := net.Listen("tcp", cfg.ManagerAddress)
	if err != nil {
		proxyListener.Close()
		return proxy.NewBindError(cfg.ManagerAddress, err)
	}

	// ports may have been chosen by the OS
	cfg.ProxyAddress = proxyListener.Addr().String()
	cfg.ManagerAddress = managerListener.Addr().String()
	if info.ProxyPort != cfg.ProxyPort() || info.ManagerPort != cfg.ManagerPort() {
		info.ProxyPort, info.ManagerPort = cfg.ProxyPort(), cfg.ManagerPort()
		if err := instance.Write(instancePath, info); err != nil {
			proxyListener.Close()
			managerListener.Close()
			return proxy.NewStartupError(proxy.ErrCodeInstanceFileFailed, err)
		}
	}

	reg, err := registry.Open(registry.NewFileStore(cfg.RegistryPath()))
	if err != nil {
		proxyListener.Close()
		managerListener.Close()
		return fmt.Errorf("failed to load %s: %w", cfg.RegistryPath(), err)
	}
	logger.Info("Loaded %d proxy items from %s", reg.Len(), cfg.RegistryPath())

	collector, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		logger.Warn("Statistics disabled: %v", err)
		collector = stats.NewDummyCollector()
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error("Failed to close statistics: %v", err)
		}
	}()

	var (
		sink    status.Sink
		history stats.Collector
	)
	if cfg.Statistics.Enabled {
		sink = collector
		history = collector
	}
	reporter := status.NewReporter(status.NewRing(status.DefaultCapacity), netstat.ProcessName, sink)

	shutdown := proxy.NewShutdownCoordinator(ctx)
	ctrl := controller.New(controller.Options{
		Registry:     reg,
		Reporter:     reporter,
		SystemProxy:  sys,
		Stats:        history,
		ProxyAddress: cfg.ProxyAddress,
		ManagerPort:  cfg.ManagerPort(),
		Bypass:       cfg.Bypass,
		OnShutdown:   shutdown.Trigger,
	})

	if err := ctrl.InstallSystemProxy(); err != nil {
		if errors.Is(err, sysproxy.ErrUnsupportedPlatform) {
			logger.Warn("System proxy is not supported on this platform, configure clients to use %s", cfg.ProxyAddress)
		} else {
			logger.Error("%v", proxy.NewStartupError(proxy.ErrCodeSystemProxyFailed, err))
		}
	}
	defer func() {
		if err := ctrl.RestoreSystemProxy(); err != nil {
			logger.Error("%v", err)
		}
	}()

	mgr := manager.NewServer(cfg.ManagerAddress, ctrl, cfg.Manager.Secret)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		if err := mgr.StartWithListener(managerListener); err != nil {
			logger.Error("Web manager stopped: %v", err)
			shutdown.Trigger()
		}
	}()

	go func() {
		<-shutdown.Done()
		logger.Info("Shutting down lopxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), managerShutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Web manager shutdown: %v", err)
		}
	}()

	server := proxy.NewServer(cfg.ProxyAddress, ctrl, shutdown)
	serveErr := server.StartWithListener(proxyListener)
	<-managerDone

	if serveErr != nil {
		return fmt.Errorf("proxy server stopped: %w", serveErr)
	}
	logger.Info("Lopxy stopped")
	return nil
}
