package resolver

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		siteOrigin string
		expected   string
		wantErr    bool
	}{
		{
			name:     "lowercase host preserved",
			raw:      "https://example.com/path",
			expected: "https://example.com/path",
		},
		{
			name:     "uppercase host folded",
			raw:      "https://GeoServer.Example.COM:8443/wms?SERVICE=WMS",
			expected: "https://geoserver.example.com:8443/wms?SERVICE=WMS",
		},
		{
			name:     "path case untouched",
			raw:      "https://example.com/CaseSensitive/Path",
			expected: "https://example.com/CaseSensitive/Path",
		},
		{
			name:       "protocol relative uses site scheme",
			raw:        "//maps.example.com/tiles",
			siteOrigin: "https://portal.example.com",
			expected:   "https://maps.example.com/tiles",
		},
		{
			name:       "protocol relative with http site",
			raw:        "//maps.example.com/tiles",
			siteOrigin: "http://portal.local:8000",
			expected:   "http://maps.example.com/tiles",
		},
		{
			name:     "protocol relative without site origin defaults https",
			raw:      "//maps.example.com/tiles",
			expected: "https://maps.example.com/tiles",
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "no host",
			raw:     "https:///just/a/path",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NormalizeURL(tt.raw, tt.siteOrigin)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u.String())
		})
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "explicit port", raw: "https://example.com:8443/", expected: "example.com:8443"},
		{name: "default https port", raw: "https://example.com/", expected: "example.com:443"},
		{name: "default http port", raw: "http://example.com/", expected: "example.com:80"},
		{name: "unknown scheme has no default", raw: "ftp://example.com/", expected: "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, HostPort(u))
		})
	}
}

func TestAuthority(t *testing.T) {
	u, err := NormalizeURL("https://GeoServer.Example.com/wms", "")
	require.NoError(t, err)
	assert.Equal(t, "https://geoserver.example.com:443", Authority(u))
}
