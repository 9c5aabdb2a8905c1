package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/profile"
	"github.com/geoexchange/pkigateway/internal/resolver"
	"github.com/geoexchange/pkigateway/internal/tlsctx"
)

// URLResolver resolves a destination URL to its profile.
type URLResolver interface {
	Resolve(ctx context.Context, raw string) (*resolver.Resolution, error)
}

// KeyPasswordSource recovers a profile's plaintext client key password.
type KeyPasswordSource interface {
	KeyPassword(p *profile.Profile) (string, error)
}

// Pool owns one adapter per resolved authority plus a plain adapter for
// destinations that resolve to no profile. Adapters are mounted lazily on
// first send; Sync never mounts, it only replaces or evicts.
type Pool struct {
	resolver URLResolver
	builder  *tlsctx.Builder
	keys     KeyPasswordSource
	timeout  time.Duration
	logger   observability.Logger
	metrics  *observability.Metrics

	// defaultRetries and defaultRedirects govern sends whose destination
	// resolved to no profile.
	defaultRetries   profile.Budget
	defaultRedirects profile.Budget

	mu       sync.Mutex
	adapters map[string]*Adapter
	plain    *Adapter
}

// PoolOption is a functional option for configuring the Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger for the pool.
func WithPoolLogger(logger observability.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithPoolMetrics sets the metrics recorder for the pool.
func WithPoolMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithPoolTimeout sets the per-request timeout on the pool's adapters.
func WithPoolTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.timeout = d
	}
}

// WithDefaultBudgets sets the budgets for sends that resolve to no profile.
func WithDefaultBudgets(retries, redirects profile.Budget) PoolOption {
	return func(p *Pool) {
		p.defaultRetries = retries
		p.defaultRedirects = redirects
	}
}

// NewPool creates an adapter pool.
func NewPool(res URLResolver, builder *tlsctx.Builder, keys KeyPasswordSource, opts ...PoolOption) *Pool {
	p := &Pool{
		resolver:         res,
		builder:          builder,
		keys:             keys,
		timeout:          60 * time.Second,
		logger:           observability.NopLogger(),
		defaultRetries:   profile.Budget{Count: 3},
		defaultRedirects: profile.Budget{Count: 3},
		adapters:         make(map[string]*Adapter),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.plain = newAdapter("", nil, p.timeout)
	return p
}

// Do sends the request, normalizing and re-resolving the URL on every hop
// so redirects land on the adapter for their own authority. The budgets of
// the first hop's profile govern the whole send.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	raw := req.URL.String()

	var retries, redirects profile.Budget
	method := req.Method
	body := req.Body
	getBody := req.GetBody

	redirectsUsed := 0
	for hop := 0; ; hop++ {
		res, err := p.resolver.Resolve(ctx, raw)
		if err != nil {
			return nil, err
		}

		a, tctx, err := p.adapterFor(ctx, res)
		if err != nil {
			return nil, err
		}

		if hop == 0 {
			retries, redirects = p.defaultRetries, p.defaultRedirects
			if tctx != nil {
				retries, redirects = tctx.Retries, tctx.Redirects
			}
		}

		attempt, err := http.NewRequestWithContext(ctx, method, res.URL.String(), body)
		if err != nil {
			return nil, err
		}
		attempt.Header = req.Header.Clone()
		attempt.GetBody = getBody

		resp, err := p.sendWithRetries(a, attempt, retries)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil
		}

		// A disabled budget hands the redirect back to the caller
		// untouched; a numeric budget follows until exhausted, then
		// errors.
		if redirects.Disabled {
			return resp, nil
		}
		if redirectsUsed >= redirects.Count {
			drain(resp)
			return nil, NewRedirectBudgetError(redirects.Count, resp)
		}
		redirectsUsed++

		next, err := res.URL.Parse(loc)
		if err != nil {
			drain(resp)
			return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
		}
		drain(resp)

		raw = next.String()
		method, body, getBody = redirectMethod(method, resp.StatusCode, getBody)
	}
}

// sendWithRetries performs one logical send with the profile's retry
// budget. A disabled budget tries once and surfaces the raw error; a
// numeric budget of n retries up to n times and then wraps the last
// failure, so a budget of zero fails on the first error.
func (p *Pool) sendWithRetries(a *Adapter, req *http.Request, retries profile.Budget) (*http.Response, error) {
	resp, err := a.roundTrip(req)
	if err == nil {
		return resp, nil
	}
	if retries.Disabled {
		return nil, err
	}

	for attempt := 0; attempt < retries.Count; attempt++ {
		if !rewindBody(req) {
			break
		}
		resp, err = a.roundTrip(req)
		if err == nil {
			return resp, nil
		}
	}
	return nil, NewRetryBudgetError(retries.Count, err)
}

// adapterFor returns the adapter for the resolution, lazily mounting one
// for newly seen profiled authorities. Destinations without a profile share
// the plain adapter.
func (p *Pool) adapterFor(ctx context.Context, res *resolver.Resolution) (*Adapter, *tlsctx.Context, error) {
	if res.Profile == nil {
		return p.plain, nil, nil
	}

	keyPassword, err := p.keys.KeyPassword(res.Profile)
	if err != nil {
		return nil, nil, err
	}
	tctx, err := p.builder.Build(res.Profile, keyPassword)
	if err != nil {
		return nil, nil, err
	}

	authority := resolver.Authority(res.URL)

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.adapters[authority]
	if ok && existing.tctx.Equal(tctx) {
		return existing, existing.tctx, nil
	}

	a := newAdapter(authority, tctx, p.timeout)
	p.adapters[authority] = a
	if ok {
		existing.close()
		p.recordMount("replaced")
		p.logger.Info("adapter replaced", observability.String("authority", authority))
	} else {
		p.recordMount("new")
		p.logger.Debug("adapter mounted", observability.String("authority", authority))
	}
	p.setGauge(len(p.adapters))
	return a, tctx, nil
}

// Sync reconciles mounted adapters against the current mappings and
// profiles: adapters whose authority no longer resolves are evicted, and
// adapters whose profile changed are rebuilt. Sync never mounts an adapter
// for an authority nothing has sent to.
func (p *Pool) Sync(ctx context.Context) error {
	p.mu.Lock()
	authorities := make([]string, 0, len(p.adapters))
	for authority := range p.adapters {
		authorities = append(authorities, authority)
	}
	p.mu.Unlock()

	for _, authority := range authorities {
		res, err := p.resolver.Resolve(ctx, authority+"/")
		if err != nil {
			return fmt.Errorf("sync %s: %w", authority, err)
		}

		if res.Profile == nil {
			p.evict(authority)
			continue
		}

		keyPassword, err := p.keys.KeyPassword(res.Profile)
		if err != nil {
			return fmt.Errorf("sync %s: %w", authority, err)
		}
		tctx, err := p.builder.Build(res.Profile, keyPassword)
		if err != nil {
			return fmt.Errorf("sync %s: %w", authority, err)
		}

		p.mu.Lock()
		existing, ok := p.adapters[authority]
		if ok && !existing.tctx.Equal(tctx) {
			p.adapters[authority] = newAdapter(authority, tctx, p.timeout)
			existing.close()
			p.recordMount("replaced")
			p.logger.Info("adapter replaced on sync", observability.String("authority", authority))
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	n := len(p.adapters)
	p.mu.Unlock()
	p.setGauge(n)
	return nil
}

func (p *Pool) evict(authority string) {
	p.mu.Lock()
	a, ok := p.adapters[authority]
	if ok {
		delete(p.adapters, authority)
	}
	n := len(p.adapters)
	p.mu.Unlock()
	if !ok {
		return
	}
	a.close()
	p.setGauge(n)
	if p.metrics != nil {
		p.metrics.RecordAdapterEviction()
	}
	p.logger.Info("adapter evicted", observability.String("authority", authority))
}

// Authorities returns the currently mounted authorities.
func (p *Pool) Authorities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.adapters))
	for authority := range p.adapters {
		out = append(out, authority)
	}
	return out
}

// Close releases every adapter's idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.adapters {
		a.close()
	}
	p.plain.close()
	p.adapters = make(map[string]*Adapter)
}

func (p *Pool) recordMount(kind string) {
	if p.metrics != nil {
		p.metrics.RecordAdapterMount(kind)
	}
}

func (p *Pool) setGauge(n int) {
	if p.metrics != nil {
		p.metrics.SetMountedAdapters(n)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectMethod applies standard redirect semantics: 307/308 preserve the
// method and body, everything else downgrades to a bodiless GET.
func redirectMethod(method string, status int, getBody func() (io.ReadCloser, error)) (string, io.ReadCloser, func() (io.ReadCloser, error)) {
	if status == http.StatusTemporaryRedirect || status == http.StatusPermanentRedirect {
		if getBody != nil {
			body, err := getBody()
			if err == nil {
				return method, body, getBody
			}
		}
		return method, nil, nil
	}
	return http.MethodGet, nil, nil
}

// rewindBody resets the request body for another attempt. Bodiless requests
// always rewind; buffered bodies rewind through GetBody.
func rewindBody(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
