// Package resolver matches destination URLs against the configured
// hostname:port patterns and resolves them to SSL profiles.
package resolver

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a destination URL for matching and adapter
// lookup. Protocol-relative URLs ("//host/path") are expanded with the site
// origin's scheme, and the hostname is lowercased. Hostname case folding is
// load-bearing: certificate verification and adapter identity both key on
// the lowercase form.
func NormalizeURL(raw, siteOrigin string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty URL")
	}

	if strings.HasPrefix(raw, "//") {
		scheme := "https"
		if site, err := url.Parse(siteOrigin); err == nil && site.Scheme != "" {
			scheme = site.Scheme
		}
		raw = scheme + ":" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u, nil
}

// HostPort returns the URL's "host:port" matching key, filling in the
// scheme's default port when none is explicit.
func HostPort(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// Authority returns the adapter identity for a URL: lowercase
// "scheme://host:port" with the default port made explicit.
func Authority(u *url.URL) string {
	return u.Scheme + "://" + HostPort(u)
}
