//go:build darwin

package sysproxy

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

type darwinManager struct{}

// New returns the platform manager driving networksetup on the primary network service.
func New() Manager {
	return darwinManager{}
}

func run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// primaryService resolves the network service behind the default route.
func primaryService() (string, error) {
	routeOut, err := run("route", "-n", "get", "default")
	if err != nil {
		return "", err
	}
	iface := parseDefaultInterface(routeOut)
	if iface == "" {
		return "", fmt.Errorf("no default route interface")
	}

	portsOut, err := run("networksetup", "-listallhardwareports")
	if err != nil {
		return "", err
	}
	service, ok := parseHardwarePorts(portsOut)[iface]
	if !ok {
		return "", fmt.Errorf("no network service for interface %s", iface)
	}
	return service, nil
}

func (darwinManager) Snapshot() (Config, error) {
	service, err := primaryService()
	if err != nil {
		return Config{}, err
	}

	out, err := run("networksetup", "-getwebproxy", service)
	if err != nil {
		return Config{}, err
	}
	cfg := parseWebProxy(out)

	if bypassOut, err := run("networksetup", "-getproxybypassdomains", service); err == nil {
		cfg.Bypass = parseBypassDomains(bypassOut)
	} else {
		logger.Debug("Failed to read proxy bypass domains: %v", err)
	}
	return cfg, nil
}

func (darwinManager) Install(cfg Config) error {
	service, err := primaryService()
	if err != nil {
		return err
	}

	if cfg.HasServer() {
		u, err := cfg.UpstreamURL("http")
		if err != nil {
			return err
		}
		host, port, err := net.SplitHostPort(u.Host)
		if err != nil {
			return err
		}
		for _, flag := range []string{"-setwebproxy", "-setsecurewebproxy"} {
			if _, err := run("networksetup", flag, service, host, port); err != nil {
				return err
			}
		}
	}

	if _, err := run("networksetup", append([]string{"-setproxybypassdomains", service}, bypassArgs(cfg.Bypass)...)...); err != nil {
		logger.Warn("Failed to set proxy bypass domains: %v", err)
	}

	state := "off"
	if cfg.Enabled {
		state = "on"
	}
	for _, flag := range []string{"-setwebproxystate", "-setsecurewebproxystate"} {
		if _, err := run("networksetup", flag, service, state); err != nil {
			return err
		}
	}
	return nil
}

func (m darwinManager) Restore(cfg Config) error {
	return m.Install(cfg)
}
