package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics("testns")
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())

	// Empty namespace falls back to the default.
	m = NewMetrics("")
	require.NotNil(t, m)
}

func TestMetricsWithRegistry(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := NewMetrics("testns", WithRegistry(registry))
	assert.Equal(t, registry, m.Registry())
}

func TestMetricsRecorders(t *testing.T) {
	t.Parallel()

	m := NewMetrics("testns")

	m.RecordResolution("matched")
	m.RecordResolution("unmatched")
	m.RecordCacheRebuild("ok")
	m.RecordAdapterMount("new")
	m.RecordAdapterMount("replaced")
	m.RecordAdapterEviction()
	m.SetMountedAdapters(3)
	m.ObserveProxyRequest("200", (250 * time.Millisecond).Seconds())
	m.RecordValidationWarnings(2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["testns_resolver_resolutions_total"])
	assert.True(t, names["testns_adapter_mounted"])
	assert.True(t, names["testns_proxy_request_duration_seconds"])
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("testns")
	m.RecordResolution("matched")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testns_resolver_resolutions_total")
}
