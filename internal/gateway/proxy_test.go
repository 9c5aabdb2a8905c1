package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoexchange/pkigateway/internal/adapter"
	"github.com/geoexchange/pkigateway/internal/config"
	"github.com/geoexchange/pkigateway/internal/route"
)

const (
	testSiteOrigin     = "https://maps.example.org"
	testInternalOrigin = "http://127.0.0.1:8480"
)

// fakeSender records the outbound request and replies with a canned
// response or error.
type fakeSender struct {
	lastReq  *http.Request
	lastBody string
	resp     *http.Response
	err      error
}

func (f *fakeSender) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.lastBody = string(b)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return textResponse(http.StatusOK, "ok"), nil
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestProxyServer(t *testing.T, sender Sender) http.Handler {
	t.Helper()

	rewriter := route.NewRewriter(testSiteOrigin, testInternalOrigin)
	proxy := NewProxyHandler(sender, rewriter, ProxyConfig{
		AllowedOrigins: []string{"https://viewer.example.org"},
		SiteOrigin:     testSiteOrigin,
	}, nil, nil)

	cfg := config.Default()
	srv := NewServer(cfg, ServerDeps{Proxy: proxy}, nil)
	return srv.Handler()
}

func TestProxyRoutedDestination(t *testing.T) {
	sender := &fakeSender{resp: textResponse(http.StatusOK, "wms payload")}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/pki/geoserver.example.com%3A8443/geoserver/wms%3FSERVICE%3DWMS", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wms payload", rec.Body.String())
	require.NotNil(t, sender.lastReq)
	assert.Equal(t, "https://geoserver.example.com:8443/geoserver/wms?SERVICE=WMS",
		sender.lastReq.URL.String())
}

func TestProxyLegacyDestination(t *testing.T) {
	sender := &fakeSender{}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url="+"https%3A%2F%2Fupstream.example.com%2Fdata", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sender.lastReq)
	assert.Equal(t, "https://upstream.example.com/data", sender.lastReq.URL.String())
}

func TestProxyLegacyRequiresURL(t *testing.T) {
	h := newTestProxyServer(t, &fakeSender{})

	req := httptest.NewRequest(http.MethodGet, "/proxy/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "The parameter 'url' is required")
}

func TestProxyOriginAllowList(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{name: "no origin", origin: "", want: http.StatusOK},
		{name: "site origin", origin: testSiteOrigin, want: http.StatusOK},
		{name: "allowed origin", origin: "https://viewer.example.org", want: http.StatusOK},
		{name: "disallowed origin", origin: "https://evil.example.net", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			h := newTestProxyServer(t, sender)

			req := httptest.NewRequest(http.MethodGet,
				"/proxy/?url=https%3A%2F%2Fupstream.example.com%2F", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.Nil(t, sender.lastReq)
			}
		})
	}
}

func TestProxyStripsCredentials(t *testing.T) {
	sender := &fakeSender{}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url="+"https%3A%2F%2Fupstream.example.com%2Fdata%3Faccess_token%3Dsecret%26layer%3Droads", nil)
	req.Header.Set("Authorization", "Bearer site-token")
	req.Header.Set("Cookie", "sessionid=abc")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sender.lastReq)

	out := sender.lastReq
	assert.NotContains(t, out.URL.String(), "access_token")
	assert.Contains(t, out.URL.String(), "layer=roads")
	assert.Empty(t, out.Header.Get("Authorization"))
	assert.Empty(t, out.Header.Get("Cookie"))
	assert.Equal(t, "application/json", out.Header.Get("Accept"))
}

func TestProxyForwardsBody(t *testing.T) {
	sender := &fakeSender{}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodPost,
		"/proxy/?url=https%3A%2F%2Fupstream.example.com%2Fwfs",
		strings.NewReader("<Transaction/>"))
	req.Header.Set("Content-Type", "application/xml")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodPost, sender.lastReq.Method)
	assert.Equal(t, "<Transaction/>", sender.lastBody)
	assert.Equal(t, "application/xml", sender.lastReq.Header.Get("Content-Type"))
}

func TestProxyRedirectHandedBack(t *testing.T) {
	resp := textResponse(http.StatusFound, "")
	resp.Header.Set("Location", "https://elsewhere.example.com/")
	sender := &fakeSender{resp: resp}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url=https%3A%2F%2Fupstream.example.com%2F", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://elsewhere.example.com/", rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "redirect")
}

func TestProxyRedirectBudgetError(t *testing.T) {
	last := textResponse(http.StatusFound, "")
	last.Header.Set("Location", "https://loop.example.com/")
	sender := &fakeSender{err: adapter.NewRedirectBudgetError(3, last)}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url=https%3A%2F%2Fupstream.example.com%2F", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "redirected more than 3 times")
}

func TestProxySendFailure(t *testing.T) {
	sender := &fakeSender{err: io.ErrUnexpectedEOF}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url=https%3A%2F%2Fupstream.example.com%2F", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not be reached")
}

func TestProxyDropsHopByHopResponseHeaders(t *testing.T) {
	resp := textResponse(http.StatusOK, "ok")
	resp.Header.Set("Content-Type", "text/plain")
	resp.Header.Set("Transfer-Encoding", "chunked")
	resp.Header.Set("Keep-Alive", "timeout=5")
	resp.Header.Set("Connection", "X-Upstream-Internal")
	resp.Header.Set("X-Upstream-Internal", "1")
	sender := &fakeSender{resp: resp}
	h := newTestProxyServer(t, sender)

	req := httptest.NewRequest(http.MethodGet,
		"/proxy/?url=https%3A%2F%2Fupstream.example.com%2F", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Keep-Alive"))
	assert.Empty(t, rec.Header().Get("X-Upstream-Internal"))
}

func TestHealthz(t *testing.T) {
	h := newTestProxyServer(t, &fakeSender{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
