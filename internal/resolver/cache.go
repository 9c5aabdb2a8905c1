package resolver

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/profile"
)

// MappingSource supplies the enabled mappings in rank order.
type MappingSource interface {
	ListEnabledMappings(ctx context.Context) ([]*profile.Mapping, error)
}

// PatternCache holds an immutable snapshot of the enabled mappings. Rebuild
// swaps the snapshot atomically; a failed rebuild keeps the previous
// snapshot and leaves the cache marked unbuilt so the next lookup retries.
type PatternCache struct {
	source  MappingSource
	logger  observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	mappings []*profile.Mapping
	proxied  []*profile.Mapping
	built    bool
}

// PatternCacheOption is a functional option for configuring the PatternCache.
type PatternCacheOption func(*PatternCache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger observability.Logger) PatternCacheOption {
	return func(c *PatternCache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the metrics recorder for the cache.
func WithCacheMetrics(m *observability.Metrics) PatternCacheOption {
	return func(c *PatternCache) {
		c.metrics = m
	}
}

// NewPatternCache creates an unbuilt cache over the mapping source.
func NewPatternCache(source MappingSource, opts ...PatternCacheOption) *PatternCache {
	c := &PatternCache{
		source: source,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rebuild loads the enabled mappings and swaps them in as the new snapshot.
func (c *PatternCache) Rebuild(ctx context.Context) error {
	mappings, err := c.source.ListEnabledMappings(ctx)
	if err != nil {
		c.mu.Lock()
		c.built = false
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheRebuild("error")
		}
		c.logger.Error("pattern cache rebuild failed", observability.Error(err))
		return err
	}

	// The proxy-flagged subset keeps its own rank-ordered list so
	// proxy-only lookups see a match even when a non-proxy mapping
	// outranks it.
	var proxied []*profile.Mapping
	for _, m := range mappings {
		if m.Proxy {
			proxied = append(proxied, m)
		}
	}

	c.mu.Lock()
	c.mappings = mappings
	c.proxied = proxied
	c.built = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheRebuild("ok")
	}
	c.logger.Debug("pattern cache rebuilt",
		observability.Int("mappings", len(mappings)),
		observability.Int("proxied", len(proxied)))
	return nil
}

// ensureBuilt rebuilds lazily when the cache is unbuilt.
func (c *PatternCache) ensureBuilt(ctx context.Context) error {
	c.mu.RLock()
	built := c.built
	c.mu.RUnlock()
	if built {
		return nil
	}
	return c.Rebuild(ctx)
}

// Match returns the first enabled mapping, in rank order, whose pattern
// matches the "host:port" key. Patterns without a port component also match
// the bare hostname.
func (c *PatternCache) Match(ctx context.Context, hostPort string) (*profile.Mapping, bool) {
	return c.match(ctx, hostPort, false)
}

// MatchProxied is Match restricted to mappings flagged as requiring the
// internal proxy hop. A destination covered by a higher-ranked non-proxy
// mapping still matches here when a proxy-flagged mapping covers it too.
func (c *PatternCache) MatchProxied(ctx context.Context, hostPort string) (*profile.Mapping, bool) {
	return c.match(ctx, hostPort, true)
}

func (c *PatternCache) match(ctx context.Context, hostPort string, proxyOnly bool) (*profile.Mapping, bool) {
	if err := c.ensureBuilt(ctx); err != nil {
		return nil, false
	}

	host := hostPort
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		host = hostPort[:i]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	candidates := c.mappings
	if proxyOnly {
		candidates = c.proxied
	}
	for _, m := range candidates {
		if matchPattern(m.Pattern, hostPort, host) {
			return m, true
		}
	}
	return nil, false
}

// Snapshot returns the current mapping snapshot. Callers must not mutate it.
func (c *PatternCache) Snapshot() []*profile.Mapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mappings
}

// matchPattern applies shell-style matching. Host keys contain no '/', so a
// '*' wildcard spans dots and colons the way the legacy matcher did.
func matchPattern(pattern, hostPort, host string) bool {
	if ok, err := path.Match(pattern, hostPort); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, ":") {
		if ok, err := path.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}
