//go:build windows

package sysproxy

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

const internetSettingsKey = `SOFTWARE\Microsoft\Windows\CurrentVersion\Internet Settings`

const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var procInternetSetOption = windows.NewLazySystemDLL("wininet.dll").NewProc("InternetSetOptionW")

type windowsManager struct{}

// New returns the platform manager backed by the current user's Internet Settings.
func New() Manager {
	return windowsManager{}
}

func (windowsManager) Snapshot() (Config, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open internet settings: %w", err)
	}
	defer k.Close()

	var cfg Config
	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read ProxyEnable: %w", err)
	}
	cfg.Enabled = enabled > 0

	if cfg.Server, _, err = k.GetStringValue("ProxyServer"); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read ProxyServer: %w", err)
	}
	if cfg.Bypass, _, err = k.GetStringValue("ProxyOverride"); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read ProxyOverride: %w", err)
	}
	return cfg, nil
}

func (windowsManager) Install(cfg Config) error {
	k, _, err := registry.CreateKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open internet settings: %w", err)
	}
	defer k.Close()

	var enabled uint32
	if cfg.Enabled {
		enabled = 1
	}
	if err := k.SetDWordValue("ProxyEnable", enabled); err != nil {
		return fmt.Errorf("failed to write ProxyEnable: %w", err)
	}
	if err := k.SetStringValue("ProxyServer", cfg.Server); err != nil {
		return fmt.Errorf("failed to write ProxyServer: %w", err)
	}
	if err := k.SetStringValue("ProxyOverride", cfg.Bypass); err != nil {
		return fmt.Errorf("failed to write ProxyOverride: %w", err)
	}

	notifySettingsChanged()
	return nil
}

func (m windowsManager) Restore(cfg Config) error {
	return m.Install(cfg)
}

// notifySettingsChanged makes running WinINet clients reload the setting.
func notifySettingsChanged() {
	for _, opt := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		if r, _, err := procInternetSetOption.Call(0, opt, 0, 0); r == 0 {
			logger.Debug("InternetSetOption(%d) failed: %v", opt, err)
		}
	}
}
