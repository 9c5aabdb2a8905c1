// Package tlsctx turns SSL profiles into ready tls.Config values plus the
// retry and redirect budgets that travel with them.
package tlsctx

import (
	"crypto/tls"
	"sync"

	"github.com/geoexchange/pkigateway/internal/profile"
)

// capabilities is the result of probing what the runtime TLS stack
// supports. The probe runs once per process; profile options and cipher
// names outside the probed sets are skipped silently at build time.
type capabilities struct {
	options  map[string]struct{}
	versions map[string]uint16
	ciphers  map[string]uint16
}

var (
	probeOnce sync.Once
	probed    *capabilities
)

// Option flag names recognized by the runtime. Each raises the minimum
// accepted protocol version.
var optionFloors = map[string]uint16{
	"OP_NO_SSLv2":   0,
	"OP_NO_SSLv3":   0,
	"OP_NO_TLSv1":   tls.VersionTLS11,
	"OP_NO_TLSv1_1": tls.VersionTLS12,
	"OP_NO_TLSv1_2": tls.VersionTLS13,
}

// probe inspects the TLS stack once and caches the supported option names,
// protocol selectors, and cipher suite names.
func probe() *capabilities {
	probeOnce.Do(func() {
		c := &capabilities{
			options:  make(map[string]struct{}, len(optionFloors)),
			versions: make(map[string]uint16),
			ciphers:  make(map[string]uint16),
		}

		for name := range optionFloors {
			c.options[name] = struct{}{}
		}

		c.versions[profile.VersionTLS10] = tls.VersionTLS10
		c.versions[profile.VersionTLS11] = tls.VersionTLS11
		c.versions[profile.VersionTLS12] = tls.VersionTLS12
		c.versions[profile.VersionTLS13] = tls.VersionTLS13

		for _, s := range tls.CipherSuites() {
			c.ciphers[s.Name] = s.ID
		}
		for _, s := range tls.InsecureCipherSuites() {
			c.ciphers[s.Name] = s.ID
		}

		probed = c
	})
	return probed
}
