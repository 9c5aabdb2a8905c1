// Package secrets resolves the master passphrase that encrypts stored
// client key passwords, with environment, local file, and Vault backends.
package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ProviderType represents the type of master key provider.
type ProviderType string

const (
	// ProviderTypeEnv reads the master key from an environment variable.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeFile reads the master key from a local file.
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeVault reads the master key from HashiCorp Vault.
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for master key providers.
var (
	// ErrKeyNotFound is returned when the configured source holds no key.
	ErrKeyNotFound = errors.New("master key not found")

	// ErrProviderNotConfigured is returned when required provider
	// configuration is missing.
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrInvalidProviderType is returned for an unknown provider type.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Provider resolves the master passphrase.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// MasterKey returns the master passphrase bytes.
	MasterKey(ctx context.Context) ([]byte, error)
}

// ValidateProviderType validates the given string is a known provider type.
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeFile, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, file, vault", ErrInvalidProviderType, providerType)
	}
}
