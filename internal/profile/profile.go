// Package profile defines SSL profiles, their hostname:port mappings, and
// the persistence and validation layer behind the admin API.
package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultProfileID is the reserved id of the always-present default profile.
const DefaultProfileID int64 = 1

// Protocol version selectors. The names follow the admin-facing convention of
// the legacy configuration UI; unknown selectors fall back to the broadest
// compatible default at context build time.
const (
	VersionDefault = "PROTOCOL_SSLv23"
	VersionTLS     = "PROTOCOL_TLS"
	VersionTLS10   = "PROTOCOL_TLSv1"
	VersionTLS11   = "PROTOCOL_TLSv1_1"
	VersionTLS12   = "PROTOCOL_TLSv1_2"
	VersionTLS13   = "PROTOCOL_TLSv1_3"
)

// Peer verification modes.
const (
	VerifyRequired = "CERT_REQUIRED"
	VerifyOptional = "CERT_OPTIONAL"
	VerifyNone     = "CERT_NONE"
)

// MaxBudget is the largest accepted retry/redirect count.
const MaxBudget = 10

// Budget is a retry or redirect allowance. A disabled budget never
// retries/redirects and never raises a budget error; a zero budget also
// never retries/redirects but raises an error on the first need. The
// distinction is preserved end-to-end from the stored profile to the
// adapter send loop.
type Budget struct {
	Count    int
	Disabled bool
}

// ParseBudget parses the stored string form of a budget.
// Accepted forms: "disabled", "false" (case-insensitive), or "0".."10".
func ParseBudget(s string) (Budget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "false":
		return Budget{Disabled: true}, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Budget{}, fmt.Errorf("invalid budget %q: %w", s, err)
	}
	if n < 0 || n > MaxBudget {
		return Budget{}, fmt.Errorf("budget %d out of range 0..%d", n, MaxBudget)
	}
	return Budget{Count: n}, nil
}

// String returns the stored string form of the budget.
func (b Budget) String() string {
	if b.Disabled {
		return "disabled"
	}
	return strconv.Itoa(b.Count)
}

// Profile is a named bundle of TLS handshake and identity options used to
// reach one or more destination authorities.
type Profile struct {
	// ID is the numeric identity; DefaultProfileID is reserved.
	ID int64

	// Name is the display name.
	Name string

	// Description is free-form admin text.
	Description string

	// CACerts is a filesystem path to a concatenated PEM CA bundle.
	// Empty means the system trust store is used.
	CACerts string

	// AllowInvalidCAs downgrades expired CA bundle entries from a hard
	// rejection to a validation warning.
	AllowInvalidCAs bool

	// ClientCert is a filesystem path to a PEM client certificate.
	ClientCert string

	// ClientKey is a filesystem path to the client certificate's PEM key.
	ClientKey string

	// ClientKeyPassword is the key password. In a stored profile this holds
	// the encrypted form; plaintext is recovered transiently at context
	// build time via Store.KeyPassword.
	ClientKeyPassword string

	// Version selects the TLS protocol version (PROTOCOL_* selector).
	Version string

	// VerifyMode selects peer verification (CERT_* selector).
	VerifyMode string

	// Options is an ordered list of protocol option flag names. Names the
	// runtime does not recognize are skipped at build time.
	Options []string

	// Ciphers is a colon- or comma-separated cipher suite string, passed
	// through to the handshake layer unmodified.
	Ciphers string

	// Retries is the connection retry budget.
	Retries Budget

	// Redirects is the redirect-following budget.
	Redirects Budget
}

// DefaultProfile returns the documented default profile: system CAs, no
// client identity, broadest compatible protocol version, peer verification
// required, three retries and three redirects.
func DefaultProfile() *Profile {
	return &Profile{
		ID:         DefaultProfileID,
		Name:       "Default",
		Version:    VersionDefault,
		VerifyMode: VerifyRequired,
		Retries:    Budget{Count: 3},
		Redirects:  Budget{Count: 3},
	}
}

// HasClientIdentity reports whether the profile carries a client cert/key pair.
func (p *Profile) HasClientIdentity() bool {
	return p.ClientCert != "" && p.ClientKey != ""
}

// Validate checks the structural invariants that do not require reading
// certificate material. Certificate-level checks live in Validator.
func (p *Profile) Validate() error {
	var msgs []string

	if strings.TrimSpace(p.Name) == "" {
		msgs = append(msgs, "profile name is required")
	}
	if p.ClientCert != "" && p.ClientKey == "" {
		msgs = append(msgs, "client key must be defined if client cert is")
	}
	if p.ClientKey != "" && p.ClientCert == "" {
		msgs = append(msgs, "client cert must be defined if client key is")
	}
	switch p.VerifyMode {
	case "", VerifyRequired, VerifyOptional, VerifyNone:
	default:
		msgs = append(msgs, fmt.Sprintf("unknown verify mode %q", p.VerifyMode))
	}

	if len(msgs) > 0 {
		return NewValidationError(msgs...)
	}
	return nil
}

// Mapping associates a hostname:port pattern with a profile. Patterns are
// matched in ascending Rank order; the first match wins.
type Mapping struct {
	// Pattern is the hostname:port pattern, all-lowercase, with optional
	// '*' wildcard segments (e.g. "*.example.org:443").
	Pattern string

	// Enabled controls whether the mapping participates in resolution.
	Enabled bool

	// Rank is the explicit evaluation order, ascending.
	Rank int

	// Proxy marks the mapping as requiring the internal proxy hop for
	// browser-originated requests.
	Proxy bool

	// ProfileID references the associated profile.
	ProfileID int64
}

// Validate checks the mapping invariants.
func (m *Mapping) Validate() error {
	var msgs []string

	pattern := strings.TrimSpace(m.Pattern)
	if pattern == "" {
		msgs = append(msgs, "hostname:port pattern is required")
	} else if pattern != strings.ToLower(pattern) {
		msgs = append(msgs, "hostname:port pattern must be all lowercase")
	}
	if m.ProfileID <= 0 {
		msgs = append(msgs, "mapping must reference a profile")
	}

	if len(msgs) > 0 {
		return NewValidationError(msgs...)
	}
	return nil
}
