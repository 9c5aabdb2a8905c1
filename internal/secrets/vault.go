package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/geoexchange/pkigateway/internal/observability"
)

// DefaultVaultField is the secret field read when none is configured.
const DefaultVaultField = "master_key"

// VaultProviderConfig holds configuration for the Vault master key provider.
type VaultProviderConfig struct {
	// Address is the Vault server address.
	Address string

	// Token is the client token. Empty defers to the VAULT_TOKEN
	// environment variable handled by the Vault client itself.
	Token string

	// Path is the secret path, e.g. "secret/data/pkigateway".
	Path string

	// Field is the key within the secret data. Defaults to
	// DefaultVaultField.
	Field string

	// Logger is the logger instance.
	Logger observability.Logger
}

// VaultProvider reads the master key from a Vault secret.
type VaultProvider struct {
	client *vault.Client
	path   string
	field  string
	logger observability.Logger
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("%w: vault path is required", ErrProviderNotConfigured)
	}

	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	field := cfg.Field
	if field == "" {
		field = DefaultVaultField
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &VaultProvider{
		client: client,
		path:   cfg.Path,
		field:  field,
		logger: logger,
	}, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// MasterKey reads the configured field from the Vault secret. Both KV v1
// and the KV v2 "data" nesting are handled.
func (p *VaultProvider) MasterKey(ctx context.Context) ([]byte, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: vault secret %s", ErrKeyNotFound, p.path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[p.field].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: field %s in vault secret %s", ErrKeyNotFound, p.field, p.path)
	}

	p.logger.Debug("master key loaded from vault",
		observability.String("path", p.path),
		observability.String("field", p.field))
	return []byte(value), nil
}
