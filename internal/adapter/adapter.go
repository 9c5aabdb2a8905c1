package adapter

import (
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/geoexchange/pkigateway/internal/tlsctx"
)

// Adapter is the outbound client for a single lowercase
// "scheme://host:port" authority. It never follows redirects itself; the
// pool drives redirect handling so each hop can land on a different
// adapter.
type Adapter struct {
	authority string
	tctx      *tlsctx.Context
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

func newAdapter(authority string, tctx *tlsctx.Context, timeout time.Duration) *Adapter {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		ExpectContinueTimeout: time.Second,
	}
	if tctx != nil {
		transport.TLSClientConfig = tctx.TLS
	}

	return &Adapter{
		authority: authority,
		tctx:      tctx,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        authority,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Authority returns the adapter's "scheme://host:port" identity.
func (a *Adapter) Authority() string {
	return a.authority
}

// Context returns the TLS context the adapter was built with, nil for the
// plain adapter.
func (a *Adapter) Context() *tlsctx.Context {
	return a.tctx
}

// roundTrip performs one attempt through the adapter's circuit breaker.
func (a *Adapter) roundTrip(req *http.Request) (*http.Response, error) {
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// close releases the adapter's idle connections.
func (a *Adapter) close() {
	if t, ok := a.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
