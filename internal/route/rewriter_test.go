package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSite     = "https://portal.example.com"
	testInternal = "http://127.0.0.1:8480"
)

func TestToInternalRoute(t *testing.T) {
	r := NewRewriter(testSite, testInternal)

	tests := []struct {
		name     string
		raw      string
		expected string
		wantErr  bool
	}{
		{
			name:     "simple URL keeps its authority as written",
			raw:      "https://geoserver.example.com/wms",
			expected: testInternal + "/pki/geoserver.example.com/wms",
		},
		{
			name:     "explicit port and query",
			raw:      "https://geoserver.example.com:8443/wms?SERVICE=WMS&REQUEST=GetCapabilities",
			expected: testInternal + "/pki/geoserver.example.com%3A8443/wms%3FSERVICE%3DWMS%26REQUEST%3DGetCapabilities",
		},
		{
			name:     "bare host",
			raw:      "https://geoserver.example.com",
			expected: testInternal + "/pki/geoserver.example.com",
		},
		{
			name:     "host case folded",
			raw:      "https://GeoServer.Example.COM/wms",
			expected: testInternal + "/pki/geoserver.example.com/wms",
		},
		{
			name:     "protocol relative uses site scheme",
			raw:      "//geoserver.example.com/wms",
			expected: testInternal + "/pki/geoserver.example.com/wms",
		},
		{
			name:     "existing encodings survive by double encoding",
			raw:      "https://geoserver.example.com/wms?style=a%2Fb",
			expected: testInternal + "/pki/geoserver.example.com/wms%3Fstyle%3Da%252Fb",
		},
		{
			name:    "http is not routable",
			raw:     "http://geoserver.example.com/wms",
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ToInternalRoute(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestToSiteRoute(t *testing.T) {
	r := NewRewriter(testSite, testInternal)

	got, err := r.ToSiteRoute("https://geoserver.example.com/wms")
	require.NoError(t, err)
	assert.Equal(t, testSite+"/pki/geoserver.example.com/wms", got)
}

func TestReverse(t *testing.T) {
	r := NewRewriter(testSite, testInternal)

	tests := []struct {
		name     string
		routed   string
		expected string
		wantErr  bool
	}{
		{
			name:     "internal route",
			routed:   testInternal + "/pki/geoserver.example.com%3A443/wms",
			expected: "https://geoserver.example.com:443/wms",
		},
		{
			name:     "site route",
			routed:   testSite + "/pki/geoserver.example.com%3A443/wms",
			expected: "https://geoserver.example.com:443/wms",
		},
		{
			name:     "bare path form",
			routed:   "/pki/geoserver.example.com%3A8443/wms%3Fx%3D1",
			expected: "https://geoserver.example.com:8443/wms?x=1",
		},
		{
			name:     "plus stays literal",
			routed:   "/pki/geoserver.example.com%3A443/a+b",
			expected: "https://geoserver.example.com:443/a+b",
		},
		{
			name:     "no prefix passes through unchanged",
			routed:   "https://elsewhere.example.com/data",
			expected: "https://elsewhere.example.com/data",
		},
		{
			name:    "empty destination",
			routed:  testInternal + "/pki/",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Reverse(tt.routed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRouteRoundTrip(t *testing.T) {
	r := NewRewriter(testSite, testInternal)

	// Reversal restores the URL byte for byte.
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "query survives",
			raw:  "https://geoserver.example.com:8443/geoserver/wms?SERVICE=WMS&VERSION=1.3.0",
		},
		{
			name: "no port stays portless",
			raw:  "https://geoserver.example.com/wms",
		},
		{
			name: "deep path",
			raw:  "https://data.example.org/a/b/c/d?x=1",
		},
		{
			name: "percent-encoded query value survives encoded",
			raw:  "https://data.example.org/layer?title=a%2Fb%20c",
		},
		{
			name: "bare host",
			raw:  "https://geoserver.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routed, err := r.ToInternalRoute(tt.raw)
			require.NoError(t, err)
			back, err := r.Reverse(routed)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, back)

			siteRouted, err := r.ToSiteRoute(tt.raw)
			require.NoError(t, err)
			back, err = r.Reverse(siteRouted)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, back)
		})
	}
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, HasPrefix("/pki/host%3A443/wms"))
	assert.True(t, HasPrefix(testSite+"/pki/host%3A443/"))
	assert.False(t, HasPrefix("https://example.com/wms"))
	assert.False(t, HasPrefix("/proxy/?url=x"))
}

func TestToLegacyProxyRoute(t *testing.T) {
	r := NewRewriter(testSite, testInternal)

	got, err := r.ToLegacyProxyRoute("https://geoserver.example.com:8443/wms?x=1")
	require.NoError(t, err)
	assert.Equal(t, testSite+"/proxy/?url=https%3A%2F%2Fgeoserver.example.com%3A8443%2Fwms%3Fx%3D1", got)
}
