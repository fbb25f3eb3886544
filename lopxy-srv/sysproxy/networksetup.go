package sysproxy

import (
	"bufio"
	"strings"
)

// Output parsing for macOS networksetup and route. Kept free of build
// tags so it is tested on every platform.

// parseWebProxy reads `networksetup -getwebproxy <service>` output:
//
//	Enabled: Yes
//	Server: 127.0.0.1
//	Port: 7237
//	Authenticated Proxy Enabled: 0
func parseWebProxy(out string) Config {
	fields := parseColonFields(out)

	var cfg Config
	cfg.Enabled = strings.EqualFold(fields["Enabled"], "Yes")
	server := fields["Server"]
	port := fields["Port"]
	if server != "" && port != "" && port != "0" {
		cfg.Server = server + ":" + port
	} else {
		cfg.Server = server
	}
	return cfg
}

// parseBypassDomains reads `networksetup -getproxybypassdomains <service>` output,
// one domain per line.
func parseBypassDomains(out string) string {
	var domains []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "There aren't any bypass domains") {
			continue
		}
		domains = append(domains, line)
	}
	return strings.Join(domains, ";")
}

// parseDefaultInterface reads `route -n get default` output for the interface line.
func parseDefaultInterface(out string) string {
	return parseColonFields(out)["interface"]
}

// parseHardwarePorts maps device names to service names from
// `networksetup -listallhardwareports`.
func parseHardwarePorts(out string) map[string]string {
	ports := map[string]string{}
	var current string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "Hardware Port:"); ok {
			current = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "Device:"); ok && current != "" {
			ports[strings.TrimSpace(v)] = current
			current = ""
		}
	}
	return ports
}

// bypassArgs converts a bypass string to networksetup arguments.
// <local> has no macOS equivalent and maps to *.local.
func bypassArgs(bypass string) []string {
	list := Config{Bypass: bypass}.BypassList()
	if len(list) == 0 {
		return []string{"Empty"}
	}
	out := make([]string, 0, len(list))
	for _, d := range list {
		if d == "<local>" {
			d = "*.local"
		}
		out = append(out, d)
	}
	return out
}

func parseColonFields(out string) map[string]string {
	fields := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return fields
}
