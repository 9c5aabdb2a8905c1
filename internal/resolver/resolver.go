package resolver

import (
	"context"
	"errors"
	"net/url"

	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/profile"
)

// ProfileSource supplies profiles and the self-healing operations the
// resolver needs when a mapping points at a deleted profile.
type ProfileSource interface {
	GetProfile(ctx context.Context, id int64) (*profile.Profile, error)
	EnsureDefaultProfile(ctx context.Context) (*profile.Profile, error)
	RepointMapping(ctx context.Context, pattern string, profileID int64) error
}

// Resolution is the outcome of resolving a destination URL.
type Resolution struct {
	// URL is the normalized destination.
	URL *url.URL

	// Mapping is the matched mapping, nil when the URL resolved to no
	// profile.
	Mapping *profile.Mapping

	// Profile is the resolved profile, nil when no mapping matched.
	// "No profile" is distinct from the default profile: the default is
	// returned only when a mapping explicitly references it.
	Profile *profile.Profile
}

// Proxied reports whether the destination must be reached through the
// internal proxy hop.
func (r *Resolution) Proxied() bool {
	return r.Mapping != nil && r.Mapping.Proxy
}

// Resolver resolves destination URLs to SSL profiles through the pattern
// cache.
type Resolver struct {
	cache      *PatternCache
	profiles   ProfileSource
	siteOrigin string
	logger     observability.Logger
	metrics    *observability.Metrics
}

// ResolverOption is a functional option for configuring the Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger for the resolver.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverMetrics sets the metrics recorder for the resolver.
func WithResolverMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a resolver over the cache and profile source.
// siteOrigin supplies the scheme for protocol-relative URLs.
func NewResolver(cache *PatternCache, profiles ProfileSource, siteOrigin string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:      cache,
		profiles:   profiles,
		siteOrigin: siteOrigin,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve normalizes the raw URL and resolves it to a profile. Only https
// destinations can match; anything else resolves to no profile with no
// error. A matched mapping whose profile has been deleted self-heals to the
// default profile.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Resolution, error) {
	return r.resolve(ctx, raw, false)
}

// ResolveProxied resolves the raw URL against only the mappings flagged as
// requiring the internal proxy hop. A destination whose first overall match
// is a non-proxy mapping still resolves here when a lower-ranked
// proxy-flagged mapping covers it.
func (r *Resolver) ResolveProxied(ctx context.Context, raw string) (*Resolution, error) {
	return r.resolve(ctx, raw, true)
}

func (r *Resolver) resolve(ctx context.Context, raw string, proxyOnly bool) (*Resolution, error) {
	u, err := NormalizeURL(raw, r.siteOrigin)
	if err != nil {
		r.record("invalid")
		return nil, err
	}

	res := &Resolution{URL: u}
	if u.Scheme != "https" {
		r.record("non_https")
		return res, nil
	}

	match := r.cache.Match
	if proxyOnly {
		match = r.cache.MatchProxied
	}
	m, ok := match(ctx, HostPort(u))
	if !ok {
		r.record("unmatched")
		return res, nil
	}
	res.Mapping = m

	p, err := r.ProfileFor(ctx, m)
	if err != nil {
		r.record("error")
		return nil, err
	}
	res.Profile = p
	r.record("matched")
	return res, nil
}

// ProfileFor returns the mapping's profile. When the referenced profile no
// longer exists the mapping is repointed at the recreated default profile
// and the default is returned.
func (r *Resolver) ProfileFor(ctx context.Context, m *profile.Mapping) (*profile.Profile, error) {
	p, err := r.profiles.GetProfile(ctx, m.ProfileID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, profile.ErrProfileNotFound) {
		return nil, err
	}

	def, err := r.profiles.EnsureDefaultProfile(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.profiles.RepointMapping(ctx, m.Pattern, def.ID); err != nil &&
		!errors.Is(err, profile.ErrMappingNotFound) {
		return nil, err
	}
	m.ProfileID = def.ID

	r.logger.Warn("mapping referenced a missing profile, repointed to default",
		observability.String("pattern", m.Pattern),
		observability.Int64("profile_id", def.ID))
	return def, nil
}

func (r *Resolver) record(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordResolution(outcome)
	}
}
