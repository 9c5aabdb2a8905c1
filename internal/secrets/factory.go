package secrets

import (
	"fmt"

	"github.com/geoexchange/pkigateway/internal/observability"
)

// Config selects and configures the master key provider.
type Config struct {
	// Type is the provider type: env, file, or vault.
	Type string `yaml:"type"`

	// EnvVar is the environment variable name for the env provider.
	EnvVar string `yaml:"envVar"`

	// File is the key file path for the file provider.
	File string `yaml:"file"`

	// VaultAddress is the Vault server address for the vault provider.
	VaultAddress string `yaml:"vaultAddress"`

	// VaultToken is the Vault client token.
	VaultToken string `yaml:"vaultToken"`

	// VaultPath is the Vault secret path.
	VaultPath string `yaml:"vaultPath"`

	// VaultField is the key within the Vault secret data.
	VaultField string `yaml:"vaultField"`
}

// NewProvider creates the provider selected by the config. An empty type
// defaults to the env provider.
func NewProvider(cfg *Config, logger observability.Logger) (Provider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Type == "" {
		cfg.Type = string(ProviderTypeEnv)
	}

	providerType, err := ValidateProviderType(cfg.Type)
	if err != nil {
		return nil, err
	}

	switch providerType {
	case ProviderTypeEnv:
		return NewEnvProvider(cfg.EnvVar), nil
	case ProviderTypeFile:
		return NewFileProvider(cfg.File)
	case ProviderTypeVault:
		return NewVaultProvider(&VaultProviderConfig{
			Address: cfg.VaultAddress,
			Token:   cfg.VaultToken,
			Path:    cfg.VaultPath,
			Field:   cfg.VaultField,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, cfg.Type)
	}
}
