package proxy

import (
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

type bypassKind int

const (
	bypassExact bypassKind = iota
	bypassSuffix
	bypassPrefix
	bypassContains
)

type bypassPattern struct {
	literal string
	kind    bypassKind
}

// BypassMatcher decides which hosts skip the upstream proxy. It understands
// the system proxy bypass syntax: exact hosts, "*.suffix", "prefix.*",
// "*infix*" and "<local>" for hostnames without a dot and loopback addresses.
type BypassMatcher struct {
	local    bool
	all      bool
	patterns []bypassPattern
	trie     *ahocorasick.Trie
}

// NewBypassMatcher compiles the given bypass entries.
func NewBypassMatcher(entries []string) *BypassMatcher {
	m := &BypassMatcher{}
	var literals []string

	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "<local>":
			m.local = true
			continue
		case strings.Trim(entry, "*") == "":
			m.all = true
			continue
		}

		p := bypassPattern{literal: entry, kind: bypassExact}
		lead := strings.HasPrefix(entry, "*")
		trail := strings.HasSuffix(entry, "*")
		switch {
		case lead && trail:
			p = bypassPattern{literal: strings.Trim(entry, "*"), kind: bypassContains}
		case lead:
			p = bypassPattern{literal: strings.TrimPrefix(entry, "*"), kind: bypassSuffix}
		case trail:
			p = bypassPattern{literal: strings.TrimSuffix(entry, "*"), kind: bypassPrefix}
		}
		m.patterns = append(m.patterns, p)
		literals = append(literals, p.literal)
	}

	if len(literals) > 0 {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(literals).Build()
	}
	return m
}

// Match reports whether host (without port) bypasses the upstream proxy.
func (m *BypassMatcher) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}
	if m.all {
		return true
	}
	if m.local && isLocalHost(host) {
		return true
	}
	if m.trie == nil {
		return false
	}

	for _, match := range m.trie.MatchString(host) {
		p := m.patterns[match.Pattern()]
		switch p.kind {
		case bypassExact:
			if host == p.literal {
				return true
			}
		case bypassSuffix:
			if strings.HasSuffix(host, p.literal) {
				return true
			}
		case bypassPrefix:
			if strings.HasPrefix(host, p.literal) {
				return true
			}
		case bypassContains:
			return true
		}
	}
	return false
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return !strings.Contains(host, ".") && !strings.Contains(host, ":")
}
