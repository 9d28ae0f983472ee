// Package simple implements a domain-pattern admission policy.
package simple

import (
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Policy blocks hosts matching configured patterns and can restrict headless
// rendering to an allow list. Patterns are exact hosts or "*.suffix" / ".suffix"
// wildcards; a bare registrable domain such as "facebook.com" also matches its
// subdomains.
type Policy struct {
	blocked  *matcher
	headless *matcher
	// headlessAll is true when no headless allow list is configured.
	headlessAll bool
}

// New creates a Policy. An empty headlessHosts list allows headless rendering everywhere.
func New(blocked, headlessHosts []string) *Policy {
	h := newMatcher(headlessHosts)
	return &Policy{
		blocked:     newMatcher(blocked),
		headless:    h,
		headlessAll: h == nil,
	}
}

// AllowFetch reports whether rawURL's host is not blocked.
func (p *Policy) AllowFetch(rawURL string) bool {
	if p == nil {
		return true
	}
	return !p.Blocked(crawler.HostOf(rawURL))
}

// AllowHeadless reports whether rawURL may be rendered with the headless browser.
func (p *Policy) AllowHeadless(rawURL string) bool {
	if p == nil {
		return true
	}
	host := crawler.HostOf(rawURL)
	if p.Blocked(host) {
		return false
	}
	return p.headlessAll || p.headless.match(host)
}

// Blocked reports whether host matches a blocked pattern.
func (p *Policy) Blocked(host string) bool {
	if p == nil {
		return false
	}
	return p.blocked.match(host)
}

type matcher struct {
	exact    map[string]struct{}
	suffixes []string
}

func newMatcher(patterns []string) *matcher {
	m := &matcher{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
			m.addSuffix(value)
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *matcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

func (m *matcher) match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
