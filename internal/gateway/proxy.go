// Package gateway wires the HTTP surface: the proxy endpoint that carries
// browser requests to profiled destinations, the admin API over profiles
// and mappings, and the server that hosts both.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/geoexchange/pkigateway/internal/adapter"
	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/route"
)

// hopByHopHeaders never travel across the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Sender sends a proxied request, resolving its destination on every hop.
type Sender interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ProxyConfig configures the proxy handler.
type ProxyConfig struct {
	// AllowedOrigins is the Origin allow-list. The site origin is always
	// allowed.
	AllowedOrigins []string

	// SiteOrigin is the browser-facing origin.
	SiteOrigin string

	// Timeout bounds a full proxied exchange.
	Timeout time.Duration

	// MaxBodyBytes caps buffered request bodies. Zero means no cap.
	MaxBodyBytes int64
}

// ProxyHandler serves the routed "/pki/" form and the legacy "/proxy/?url="
// form, sending through the adapter pool.
type ProxyHandler struct {
	sender   Sender
	rewriter *route.Rewriter
	allowed  map[string]bool
	timeout  time.Duration
	maxBody  int64
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewProxyHandler creates the proxy handler.
func NewProxyHandler(sender Sender, rewriter *route.Rewriter, cfg ProxyConfig, logger *zap.Logger, metrics *observability.Metrics) *ProxyHandler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins)+1)
	if cfg.SiteOrigin != "" {
		allowed[strings.TrimSuffix(cfg.SiteOrigin, "/")] = true
	}
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &ProxyHandler{
		sender:   sender,
		rewriter: rewriter,
		allowed:  allowed,
		timeout:  timeout,
		maxBody:  cfg.MaxBodyBytes,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleRouted serves destinations in the routed "/pki/{host:port}/{path}"
// form.
func (h *ProxyHandler) HandleRouted(c *gin.Context) {
	if !h.originAllowed(c) {
		return
	}

	dest, err := h.rewriter.Reverse(c.Request.URL.RequestURI())
	if err != nil || !route.HasPrefix(c.Request.URL.RequestURI()) {
		c.String(http.StatusBadRequest, "The requested resource could not be identified")
		return
	}
	h.forward(c, dest)
}

// HandleLegacy serves the legacy "/proxy/?url=..." form.
func (h *ProxyHandler) HandleLegacy(c *gin.Context) {
	if !h.originAllowed(c) {
		return
	}

	dest := c.Query("url")
	if dest == "" {
		c.String(http.StatusBadRequest, "The parameter 'url' is required")
		return
	}
	h.forward(c, dest)
}

// originAllowed enforces the Origin allow-list. Requests without an Origin
// header pass; cross-origin browsers must be on the list.
func (h *ProxyHandler) originAllowed(c *gin.Context) bool {
	origin := c.GetHeader("Origin")
	if origin == "" || h.allowed[strings.TrimSuffix(origin, "/")] {
		return true
	}
	h.logger.Warn("proxy request from disallowed origin",
		zap.String("origin", origin))
	c.String(http.StatusForbidden, "Origin %q is not allowed", origin)
	c.Abort()
	return false
}

func (h *ProxyHandler) forward(c *gin.Context, dest string) {
	start := time.Now()
	status := 0
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveProxyRequest(strconv.Itoa(status), time.Since(start).Seconds())
		}
	}()

	dest, err := stripCredentialParams(dest)
	if err != nil {
		status = http.StatusBadRequest
		c.String(status, "The requested resource could not be identified")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out, err := h.buildOutbound(ctx, c, dest)
	if err != nil {
		status = http.StatusBadRequest
		c.String(status, "%v", err)
		return
	}

	resp, err := h.sender.Do(ctx, out)
	if err != nil {
		status = h.writeSendError(c, err)
		return
	}
	defer resp.Body.Close()

	// Redirects that survive the pool's budget handling are handed back
	// to the caller with an explanation instead of being silently
	// followed into an unmapped authority.
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		status = resp.StatusCode
		loc := resp.Header.Get("Location")
		if loc != "" {
			c.Header("Location", loc)
		}
		c.String(status, "The destination answered with a redirect to %s", loc)
		return
	}

	status = resp.StatusCode
	copyResponseHeaders(c, resp)
	c.Status(status)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Debug("proxy response copy interrupted", zap.Error(err))
	}
}

// buildOutbound clones the inbound request toward the destination,
// filtering credentials and hop-by-hop headers.
func (h *ProxyHandler) buildOutbound(ctx context.Context, c *gin.Context, dest string) (*http.Request, error) {
	var body io.Reader = c.Request.Body
	if h.maxBody > 0 {
		body = io.LimitReader(c.Request.Body, h.maxBody)
	}

	out, err := http.NewRequestWithContext(ctx, c.Request.Method, dest, body)
	if err != nil {
		return nil, fmt.Errorf("invalid destination URL")
	}

	for name, values := range c.Request.Header {
		if !forwardableHeader(name) {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	return out, nil
}

// forwardableHeader reports whether an inbound header travels to the
// destination. Browser credentials for the site never leave the gateway;
// content negotiation headers pass.
func forwardableHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, hop := range hopByHopHeaders {
		if canonical == hop {
			return false
		}
	}
	switch canonical {
	case "Authorization", "Cookie", "Host", "Origin", "Referer":
		return false
	}
	return true
}

// stripCredentialParams removes the site's access_token query parameter
// from the destination so it is never replayed upstream.
func stripCredentialParams(dest string) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Del("access_token")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (h *ProxyHandler) writeSendError(c *gin.Context, err error) int {
	var redirectErr *adapter.RedirectBudgetError
	if errors.As(err, &redirectErr) {
		loc := ""
		if redirectErr.Response != nil {
			loc = redirectErr.Response.Header.Get("Location")
		}
		h.logger.Warn("proxy redirect budget exceeded", zap.String("location", loc))
		c.String(http.StatusBadRequest, "The destination redirected more than %d times", redirectErr.Budget)
		return http.StatusBadRequest
	}

	h.logger.Warn("proxy send failed", zap.Error(err))
	c.String(http.StatusBadRequest, "The destination could not be reached: %v", err)
	return http.StatusBadRequest
}

func copyResponseHeaders(c *gin.Context, resp *http.Response) {
	drop := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		drop[h] = true
	}
	// Connection may name additional hop-by-hop headers.
	for _, v := range resp.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			drop[http.CanonicalHeaderKey(strings.TrimSpace(token))] = true
		}
	}

	for name, values := range resp.Header {
		if drop[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
}
