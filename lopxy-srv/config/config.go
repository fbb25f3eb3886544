package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

const (
	// DefaultProxyPort is the port the intercepting proxy binds to
	DefaultProxyPort = 7237
	// DefaultManagerPort is the port of the management REST API
	DefaultManagerPort = 8283
	// DefaultBypass is the bypass list installed into the system proxy setting
	DefaultBypass = "<local>"
	// DefaultContentType is used for file redirects added without a content type
	DefaultContentType = "application/octet-stream"

	appDirName = ".lopxy"
)

// ManagerConfig configures the management REST API
type ManagerConfig struct {
	// Secret enables bearer JWT authentication (HS256) when non-empty
	Secret string
}

// StatisticsConfig configures durable storage of abnormal request status records
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// Config represents the runtime configuration of lopxy.
// The redirect table itself is not part of it; see package registry.
type Config struct {
	ProxyAddress   string // Address the proxy listens on (e.g., 127.0.0.1:7237)
	ManagerAddress string // Address the management API listens on
	ConfigDir      string // Directory holding config.hcl, lopxy.pid and the stats database
	LogLevel       string
	Bypass         string // Bypass list installed with lopxy's own system proxy setting
	Manager        ManagerConfig
	Statistics     StatisticsConfig
}

// DefaultConfigDir returns ~/.lopxy, falling back to a relative directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appDirName
	}
	return filepath.Join(home, appDirName)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ProxyAddress:   fmt.Sprintf("127.0.0.1:%d", DefaultProxyPort),
		ManagerAddress: fmt.Sprintf("127.0.0.1:%d", DefaultManagerPort),
		ConfigDir:      DefaultConfigDir(),
		LogLevel:       "INFO",
		Bypass:         DefaultBypass,
		Statistics: StatisticsConfig{
			Backend: "sqlite",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// An empty path yields defaults with the environment applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	// Environment wins over the file
	loadConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks addresses and the statistics backend.
func (c *Config) Validate() error {
	if _, _, err := splitHostPort(c.ProxyAddress); err != nil {
		return fmt.Errorf("invalid proxy-address %q: %w", c.ProxyAddress, err)
	}
	if _, _, err := splitHostPort(c.ManagerAddress); err != nil {
		return fmt.Errorf("invalid manager-address %q: %w", c.ManagerAddress, err)
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("config-dir must not be empty")
	}
	switch c.Statistics.Backend {
	case "", "sqlite", "postgres", "dummy":
	default:
		return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
	}
	if c.Statistics.Enabled && c.Statistics.Backend == "postgres" && c.Statistics.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn is required for postgres backend")
	}
	return nil
}

// ProxyPort returns the port part of ProxyAddress.
func (c *Config) ProxyPort() int {
	_, port, _ := splitHostPort(c.ProxyAddress)
	return port
}

// ManagerPort returns the port part of ManagerAddress.
func (c *Config) ManagerPort() int {
	_, port, _ := splitHostPort(c.ManagerAddress)
	return port
}

// SetProxyPort keeps the host of ProxyAddress and replaces its port.
func (c *Config) SetProxyPort(port int) {
	host, _, err := splitHostPort(c.ProxyAddress)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	c.ProxyAddress = fmt.Sprintf("%s:%d", host, port)
}

// SetManagerPort keeps the host of ManagerAddress and replaces its port.
func (c *Config) SetManagerPort(port int) {
	host, _, err := splitHostPort(c.ManagerAddress)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	c.ManagerAddress = fmt.Sprintf("%s:%d", host, port)
}

// RegistryPath is the HCL file holding the redirect table.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ConfigDir, "config.hcl")
}

// InstancePath is the instance file used for single-instance detection.
func (c *Config) InstancePath() string {
	return filepath.Join(c.ConfigDir, "lopxy.pid")
}

// StatsPath resolves the sqlite database path inside ConfigDir when relative.
func (c *Config) StatsPath() string {
	p := c.Statistics.SQLitePath
	if p == "" {
		p = "lopxy_status.db"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigDir, p)
}

// EnsureConfigDir creates ConfigDir if it does not exist.
func (c *Config) EnsureConfigDir() error {
	info, err := os.Stat(c.ConfigDir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("config dir %s is not a directory", c.ConfigDir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config dir: %w", err)
	}
	if err := os.MkdirAll(c.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", addr[idx+1:])
	}
	return addr[:idx], port, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// First, decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	stringFields := map[string]*string{
		"proxy-address":   &cfg.ProxyAddress,
		"manager-address": &cfg.ManagerAddress,
		"config-dir":      &cfg.ConfigDir,
		"log-level":       &cfg.LogLevel,
		"bypass":          &cfg.Bypass,
	}
	for key, dst := range stringFields {
		val, exists := data[key]
		if !exists {
			continue
		}
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("%s must be a string: %w", key, err)
		}
		*dst = *ptr
	}

	if val, exists := data["manager"]; exists {
		managerMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("manager must be an object")
		}
		if secretVal, exists := managerMap["secret"]; exists {
			ptr, err := parseValue[string](secretVal)
			if err != nil {
				return fmt.Errorf("manager secret: %w", err)
			}
			cfg.Manager.Secret = *ptr
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if enabledVal, exists := statsMap["enabled"]; exists {
			ptr, err := parseValue[bool](enabledVal)
			if err != nil {
				return fmt.Errorf("statistics enabled must be a bool: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
		statsStrings := map[string]*string{
			"backend":      &cfg.Statistics.Backend,
			"sqlite-path":  &cfg.Statistics.SQLitePath,
			"postgres-dsn": &cfg.Statistics.PostgresDSN,
		}
		for key, dst := range statsStrings {
			v, exists := statsMap[key]
			if !exists {
				continue
			}
			ptr, err := parseValue[string](v)
			if err != nil {
				return fmt.Errorf("statistics %s must be a string: %w", key, err)
			}
			*dst = *ptr
		}
	}

	return nil
}

// parseValue converts a decoded JSON value into T. A value of the form
// {"_secret": "ENV_NAME"} is replaced by the content of that environment variable.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("LOPXY_PROXYADDRESS"); v != "" {
		cfg.ProxyAddress = v
	}
	if v := os.Getenv("LOPXY_MANAGERADDRESS"); v != "" {
		cfg.ManagerAddress = v
	}
	if v := os.Getenv("LOPXY_CONFIGDIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("LOPXY_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOPXY_BYPASS"); v != "" {
		cfg.Bypass = v
	}
	if v := os.Getenv("LOPXY_MANAGERSECRET"); v != "" {
		cfg.Manager.Secret = v
	}
	if v := os.Getenv("LOPXY_STATS"); v != "" {
		cfg.Statistics.Enabled = envBool(v)
	}
	if v := os.Getenv("LOPXY_STATSBACKEND"); v != "" {
		cfg.Statistics.Backend = v
	}
	if v := os.Getenv("LOPXY_STATSSQLITEPATH"); v != "" {
		cfg.Statistics.SQLitePath = v
	}
	if v := os.Getenv("LOPXY_STATSPOSTGRESDSN"); v != "" {
		cfg.Statistics.PostgresDSN = v
	}
}
