package tlsctx

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/geoexchange/pkigateway/internal/observability"
	"github.com/geoexchange/pkigateway/internal/profile"
)

// Context is a built TLS configuration plus the budgets that accompany it
// on every send through the adapter pool.
type Context struct {
	// TLS is the handshake configuration.
	TLS *tls.Config

	// Retries is the connection retry budget.
	Retries profile.Budget

	// Redirects is the redirect-following budget.
	Redirects profile.Budget

	fingerprint string
}

// Fingerprint identifies the context's build recipe. Two contexts built
// from identical inputs share a fingerprint even across rebuilds.
func (c *Context) Fingerprint() string {
	return c.fingerprint
}

// Equal reports whether both contexts were built from the same recipe. The
// adapter pool uses this to replace adapters only when their configuration
// actually changed.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.fingerprint == other.fingerprint
}

// Builder turns profiles into Contexts. File references are confined to the
// builder's PKI directory.
type Builder struct {
	dir    string
	logger observability.Logger
}

// BuilderOption is a functional option for configuring the Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger for the builder.
func WithBuilderLogger(logger observability.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a builder rooted at the given PKI directory.
func NewBuilder(dir string, opts ...BuilderOption) *Builder {
	b := &Builder{
		dir:    dir,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build constructs the Context for a profile. keyPassword is the plaintext
// client key password, already decrypted by the store. Unrecognized option
// names are skipped; an empty CA path loads the system roots explicitly.
func (b *Builder) Build(p *profile.Profile, keyPassword string) (*Context, error) {
	caps := probe()

	cfg := &tls.Config{}

	if err := b.applyRoots(cfg, p); err != nil {
		return nil, err
	}
	if p.HasClientIdentity() {
		cert, err := b.loadClientIdentity(p, keyPassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if p.VerifyMode == profile.VerifyNone {
		cfg.InsecureSkipVerify = true
	}

	b.applyVersion(cfg, p, caps)
	b.applyOptions(cfg, p, caps)
	b.applyCiphers(cfg, p, caps)

	return &Context{
		TLS:         cfg,
		Retries:     p.Retries,
		Redirects:   p.Redirects,
		fingerprint: fingerprint(p, keyPassword),
	}, nil
}

func (b *Builder) resolve(name string) (string, error) {
	full := filepath.Join(b.dir, name)
	rel, err := filepath.Rel(b.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q is outside the certificate directory", name)
	}
	return full, nil
}

// applyRoots sets the verification root pool. An empty CA path means the
// system trust store, loaded explicitly so the choice is visible in the
// config rather than implied by a nil RootCAs.
func (b *Builder) applyRoots(cfg *tls.Config, p *profile.Profile) error {
	if p.CACerts == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("load system roots: %w", err)
		}
		cfg.RootCAs = pool
		return nil
	}

	full, err := b.resolve(p.CACerts)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("read CA bundle %q: %w", p.CACerts, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("no usable certificates in CA bundle %q", p.CACerts)
	}
	cfg.RootCAs = pool
	return nil
}

func (b *Builder) loadClientIdentity(p *profile.Profile, keyPassword string) (tls.Certificate, error) {
	certPath, err := b.resolve(p.ClientCert)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPath, err := b.resolve(p.ClientKey)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client certificate %q: %w", p.ClientCert, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client key %q: %w", p.ClientKey, err)
	}

	keyPEM, err = decryptLegacyKey(keyPEM, keyPassword)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("client key %q: %w", p.ClientKey, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load client identity: %w", err)
	}
	return cert, nil
}

// decryptLegacyKey rewrites an RFC 1423 encrypted PEM key as plaintext PEM
// so tls.X509KeyPair can consume it. Unencrypted input passes through.
func decryptLegacyKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	//nolint:staticcheck // legacy RFC 1423 encrypted keys are still in the wild
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	if password == "" {
		return nil, fmt.Errorf("key is encrypted but no password is set")
	}
	//nolint:staticcheck
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// applyVersion maps the profile's protocol selector onto Min/MaxVersion.
// The legacy SSLv23 selector, PROTOCOL_TLS, and an empty selector all mean
// the broadest compatible range; unknown selectors fall back the same way.
func (b *Builder) applyVersion(cfg *tls.Config, p *profile.Profile, caps *capabilities) {
	if v, ok := caps.versions[p.Version]; ok {
		cfg.MinVersion = v
		cfg.MaxVersion = v
		return
	}

	switch p.Version {
	case "", profile.VersionDefault, profile.VersionTLS:
	default:
		b.logger.Warn("unknown protocol selector, using broadest range",
			observability.String("version", p.Version))
	}
	cfg.MinVersion = tls.VersionTLS10
}

// applyOptions raises the minimum version per recognized option flag.
// Unrecognized names are skipped without error.
func (b *Builder) applyOptions(cfg *tls.Config, p *profile.Profile, caps *capabilities) {
	for _, name := range p.Options {
		if _, ok := caps.options[name]; !ok {
			b.logger.Debug("skipping unrecognized protocol option",
				observability.String("option", name))
			continue
		}
		if floor := optionFloors[name]; floor > cfg.MinVersion {
			cfg.MinVersion = floor
		}
	}
	if cfg.MaxVersion != 0 && cfg.MinVersion > cfg.MaxVersion {
		cfg.MaxVersion = cfg.MinVersion
	}
}

// applyCiphers resolves the profile's cipher string against the probed
// suite names. Names the stack does not know are skipped; TLS 1.3 suites
// are not configurable in the stack and are likewise ignored there.
func (b *Builder) applyCiphers(cfg *tls.Config, p *profile.Profile, caps *capabilities) {
	if p.Ciphers == "" {
		return
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(p.Ciphers, func(r rune) bool {
		return r == ':' || r == ','
	}) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := caps.ciphers[name]
		if !ok {
			b.logger.Debug("skipping unknown cipher suite",
				observability.String("cipher", name))
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		cfg.CipherSuites = ids
	}
}

// fingerprint hashes every input that affects the built context.
func fingerprint(p *profile.Profile, keyPassword string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%t|%s|%s|%s|%s|%s|%s|%s|%s",
		p.CACerts, p.ID, p.VerifyMode, p.AllowInvalidCAs,
		p.ClientCert, p.ClientKey, keyPassword,
		p.Version, strings.Join(p.Options, ","), p.Ciphers,
		p.Retries.String(), p.Redirects.String())
	return hex.EncodeToString(h.Sum(nil))
}
