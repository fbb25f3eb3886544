package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ProxyAddress != b.ProxyAddress ||
		a.ManagerAddress != b.ManagerAddress ||
		a.ConfigDir != b.ConfigDir ||
		a.LogLevel != b.LogLevel ||
		a.Bypass != b.Bypass {
		return true
	}
	if a.Manager.Secret != b.Manager.Secret {
		return true
	}
	return a.Statistics != b.Statistics
}
