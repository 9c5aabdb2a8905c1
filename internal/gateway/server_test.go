package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoexchange/pkigateway/internal/config"
)

func TestServerShutdownHonorsTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 0

	srv := NewServer(cfg, ServerDeps{}, nil)
	require.NotNil(t, srv.Handler())
	assert.NoError(t, srv.Shutdown(context.Background()))

	cfg.Server.ShutdownTimeout = 50 * time.Millisecond
	srv = NewServer(cfg, ServerDeps{}, nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerRateLimitWired(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1

	srv := NewServer(cfg, ServerDeps{}, nil)
	h := srv.Handler()

	// Health checks are exempt from the limiter.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	first := httptest.NewRequest(http.MethodGet, "/nope", nil)
	first.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	second := httptest.NewRequest(http.MethodGet, "/nope", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
