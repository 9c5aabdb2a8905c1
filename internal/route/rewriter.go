// Package route rewrites destination URLs into the gateway's routed forms
// and back: the internal "/pki/" form consumed by the proxy endpoint, the
// site-prefixed form handed to browsers, and the legacy "/proxy/?url="
// form kept for old clients.
package route

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/geoexchange/pkigateway/internal/resolver"
)

// Prefix is the path prefix of routed destinations.
const Prefix = "/pki/"

// LegacyPrefix is the path of the legacy proxy form.
const LegacyPrefix = "/proxy/"

// Rewriter produces routed URLs against a site origin (browser-facing) and
// an internal origin (the gateway itself).
type Rewriter struct {
	siteOrigin     string
	internalOrigin string
}

// NewRewriter creates a rewriter. Origins are "scheme://host[:port]" with
// no trailing slash.
func NewRewriter(siteOrigin, internalOrigin string) *Rewriter {
	return &Rewriter{
		siteOrigin:     strings.TrimSuffix(siteOrigin, "/"),
		internalOrigin: strings.TrimSuffix(internalOrigin, "/"),
	}
}

// ToInternalRoute rewrites an https destination into the internal routed
// form: {internalOrigin}/pki/ followed by the destination minus its scheme,
// percent-encoded so Reverse restores it byte for byte.
func (r *Rewriter) ToInternalRoute(raw string) (string, error) {
	return r.route(r.internalOrigin, raw)
}

// ToSiteRoute rewrites an https destination into the browser-facing routed
// form on the site origin.
func (r *Rewriter) ToSiteRoute(raw string) (string, error) {
	return r.route(r.siteOrigin, raw)
}

func (r *Rewriter) route(origin, raw string) (string, error) {
	u, err := resolver.NormalizeURL(raw, r.siteOrigin)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("only https URLs can be routed, got %q", raw)
	}

	// The authority and remainder are quoted exactly as written, existing
	// percent-encodings included, so one level of path unescaping on the
	// way back restores the original URL.
	rest := strings.TrimPrefix(u.String(), "https://")
	return origin + Prefix + quote(rest), nil
}

// Reverse recovers the destination URL from a routed form. Input without
// the "/pki/" prefix is returned unchanged. The recovered URL is always
// https; routing strips the scheme precisely because only https
// destinations are routed.
func (r *Rewriter) Reverse(routed string) (string, error) {
	i := strings.Index(routed, Prefix)
	if i < 0 {
		return routed, nil
	}

	rest := routed[i+len(Prefix):]
	if rest == "" {
		return "", fmt.Errorf("routed URL %q has no destination", routed)
	}
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("routed URL %q: %w", routed, err)
	}
	return "https://" + decoded, nil
}

// HasPrefix reports whether the URL or path carries the routed prefix.
func HasPrefix(raw string) bool {
	return strings.Contains(raw, Prefix)
}

// ToLegacyProxyRoute rewrites a destination into the legacy
// "/proxy/?url=" form on the site origin.
func (r *Rewriter) ToLegacyProxyRoute(raw string) (string, error) {
	u, err := resolver.NormalizeURL(raw, r.siteOrigin)
	if err != nil {
		return "", err
	}
	return r.siteOrigin + LegacyPrefix + "?url=" + url.QueryEscape(u.String()), nil
}

// quote percent-encodes s the way the legacy rewriter did: every byte
// outside the unreserved set is encoded except '/'.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || c == '/' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
