package profile

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geoexchange/pkigateway/internal/observability"
)

// Validator checks that a profile's certificate and key files exist under
// the PKI directory, parse, pair up, and satisfy the usage constraints for
// their role.
type Validator struct {
	dir    string
	now    func() time.Time
	logger observability.Logger
}

// ValidatorOption is a functional option for configuring the Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithValidatorClock overrides the validator's notion of the current time.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator rooted at the given PKI directory.
func NewValidator(dir string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		dir:    dir,
		now:    time.Now,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Dir returns the validator's PKI directory.
func (v *Validator) Dir() string {
	return v.dir
}

// ValidateProfile checks the profile's file references. It returns the
// accumulated warnings and, when a hard violation is found, a
// ValidationError describing every failure.
func (v *Validator) ValidateProfile(p *Profile, keyPassword string) ([]string, error) {
	verr := NewValidationError()
	var warnings []string

	if p.CACerts != "" {
		w, err := v.validateCABundle(p.CACerts, p.AllowInvalidCAs)
		warnings = append(warnings, w...)
		if err != nil {
			verr.Append(err.Error())
		}
	}

	var cert *x509.Certificate
	if p.ClientCert != "" {
		var w []string
		var err error
		cert, w, err = v.validateClientCert(p.ClientCert)
		warnings = append(warnings, w...)
		if err != nil {
			verr.Append(err.Error())
		}
	}

	if p.ClientKey != "" {
		if p.ClientCert == "" {
			verr.Append("client key set without a client certificate")
		}
		key, err := v.loadPrivateKey(p.ClientKey, keyPassword)
		if err != nil {
			verr.Append(err.Error())
		} else if cert != nil {
			if err := verifyKeyPair(cert, key); err != nil {
				verr.Append(err.Error())
			}
		}
	} else if p.ClientCert != "" {
		verr.Append("client certificate set without a client key")
	}

	if !verr.Empty() {
		return warnings, verr
	}
	return warnings, nil
}

// resolve confines a profile file reference to the PKI directory. References
// escaping the directory are rejected.
func (v *Validator) resolve(name string) (string, error) {
	full := filepath.Join(v.dir, name)
	rel, err := filepath.Rel(v.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q is outside the certificate directory", name)
	}
	return full, nil
}

func (v *Validator) validateCABundle(name string, allowInvalid bool) ([]string, error) {
	certs, err := v.loadCerts(name)
	if err != nil {
		return nil, err
	}

	var warnings []string
	now := v.now()
	for _, c := range certs {
		if !isCACert(c) {
			return warnings, fmt.Errorf("certificate %q in %q is not a CA certificate", c.Subject.CommonName, name)
		}
		if now.After(c.NotAfter) {
			msg := fmt.Sprintf("CA certificate %q in %q expired on %s", c.Subject.CommonName, name, c.NotAfter.Format(time.RFC3339))
			if !allowInvalid {
				return warnings, fmt.Errorf("%s", msg)
			}
			warnings = append(warnings, msg)
			v.logger.Warn("expired CA certificate accepted",
				observability.String("file", name),
				observability.String("subject", c.Subject.CommonName))
		}
		if now.Before(c.NotBefore) {
			warnings = append(warnings, fmt.Sprintf("CA certificate %q in %q is not yet valid until %s",
				c.Subject.CommonName, name, c.NotBefore.Format(time.RFC3339)))
		}
	}
	return warnings, nil
}

func (v *Validator) validateClientCert(name string) (*x509.Certificate, []string, error) {
	certs, err := v.loadCerts(name)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if len(certs) > 1 {
		warnings = append(warnings, fmt.Sprintf("client certificate file %q contains %d certificates, using the first", name, len(certs)))
	}
	cert := certs[0]

	if !isClientCert(cert) {
		return nil, warnings, fmt.Errorf("certificate %q in %q is not usable as a client certificate", cert.Subject.CommonName, name)
	}

	now := v.now()
	if now.After(cert.NotAfter) {
		return nil, warnings, fmt.Errorf("client certificate %q in %q expired on %s",
			cert.Subject.CommonName, name, cert.NotAfter.Format(time.RFC3339))
	}
	if now.Before(cert.NotBefore) {
		warnings = append(warnings, fmt.Sprintf("client certificate %q in %q is not yet valid until %s",
			cert.Subject.CommonName, name, cert.NotBefore.Format(time.RFC3339)))
	}
	return cert, warnings, nil
}

func (v *Validator) loadCerts(name string) ([]*x509.Certificate, error) {
	full, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read certificate file %q: %w", name, err)
	}

	var certs []*x509.Certificate
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate in %q: %w", name, err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %q", name)
	}
	return certs, nil
}

// loadPrivateKey reads and parses a PEM private key, decrypting legacy
// encrypted PEM blocks with the given password. Encrypted PKCS#8 is not
// supported.
func (v *Validator) loadPrivateKey(name, password string) (crypto.Signer, error) {
	full, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read key file %q: %w", name, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key file %q", name)
	}

	der := block.Bytes
	//nolint:staticcheck // legacy RFC 1423 encrypted keys are still in the wild
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return nil, fmt.Errorf("key file %q is encrypted but no password is set", name)
		}
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("decrypt key file %q: %w", name, err)
		}
	} else if password != "" && block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, fmt.Errorf("key file %q uses encrypted PKCS#8, which is not supported", name)
	}

	key, err := parsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse key file %q: %w", name, err)
	}
	return key, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
	return signer, nil
}

// isCACert reports whether the certificate may act as an issuing CA.
func isCACert(c *x509.Certificate) bool {
	if !c.BasicConstraintsValid || !c.IsCA {
		return false
	}
	return c.KeyUsage == 0 || c.KeyUsage&x509.KeyUsageCertSign != 0
}

// isClientCert reports whether the certificate may act as a TLS client
// identity.
func isClientCert(c *x509.Certificate) bool {
	if c.BasicConstraintsValid && c.IsCA {
		return false
	}
	if c.KeyUsage != 0 {
		if c.KeyUsage&x509.KeyUsageDigitalSignature == 0 && c.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
			return false
		}
	}
	return true
}

// verifyKeyPair confirms the key matches the certificate, first by public
// key comparison and then by a sign and verify round trip.
func verifyKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := cert.PublicKey.(equaler)
	if !ok || !pub.Equal(key.Public()) {
		return fmt.Errorf("client key does not match the client certificate")
	}

	digest := sha256.Sum256([]byte("pkigateway key pairing check"))
	switch k := key.(type) {
	case *rsa.PrivateKey:
		sig, err := rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest[:], nil)
		if err != nil {
			return fmt.Errorf("key signing check failed: %w", err)
		}
		if err := rsa.VerifyPSS(&k.PublicKey, crypto.SHA256, digest[:], sig, nil); err != nil {
			return fmt.Errorf("key verification check failed: %w", err)
		}
	case *ecdsa.PrivateKey:
		sig, err := ecdsa.SignASN1(rand.Reader, k, digest[:])
		if err != nil {
			return fmt.Errorf("key signing check failed: %w", err)
		}
		if !ecdsa.VerifyASN1(&k.PublicKey, digest[:], sig) {
			return fmt.Errorf("key verification check failed")
		}
	case ed25519.PrivateKey:
		sig := ed25519.Sign(k, digest[:])
		if !ed25519.Verify(k.Public().(ed25519.PublicKey), digest[:], sig) {
			return fmt.Errorf("key verification check failed")
		}
	default:
		return fmt.Errorf("unsupported private key type %T", key)
	}
	return nil
}
