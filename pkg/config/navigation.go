package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// NavigationConfig constrains the hosts the agent may navigate to.
type NavigationConfig struct {
	// AllowedURLs is a list of glob patterns matched against the host of
	// every navigation target, e.g. "*.example.com". An empty list or a
	// lone "*" allows everything.
	AllowedURLs []string `yaml:"allowed_urls"`
}

// URLMatcher decides whether a navigation target is permitted.
type URLMatcher struct {
	patterns []glob.Glob
	allowAll bool
}

// Matcher compiles the allow-list into a URLMatcher. Invalid patterns are a
// configuration error, not a runtime one.
func (n *NavigationConfig) Matcher() (*URLMatcher, error) {
	m := &URLMatcher{}
	if len(n.AllowedURLs) == 0 {
		m.allowAll = true
		return m, nil
	}

	for _, pattern := range n.AllowedURLs {
		if pattern == "*" {
			m.allowAll = true
			continue
		}
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid navigation pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

// Allowed reports whether the given URL's host matches the allow-list.
// Unparseable URLs are rejected.
func (m *URLMatcher) Allowed(rawURL string) bool {
	if m.allowAll {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	for _, g := range m.patterns {
		if g.Match(host) {
			return true
		}
	}
	return false
}
