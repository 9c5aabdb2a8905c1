package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable the env provider reads when no
// name is configured.
const DefaultEnvVar = "PKIGATEWAY_MASTER_KEY"

// EnvProvider reads the master key from an environment variable.
type EnvProvider struct {
	name string
}

// NewEnvProvider creates an environment variable provider. An empty name
// falls back to DefaultEnvVar.
func NewEnvProvider(name string) *EnvProvider {
	if name == "" {
		name = DefaultEnvVar
	}
	return &EnvProvider{name: name}
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// MasterKey returns the variable's value.
func (p *EnvProvider) MasterKey(ctx context.Context) ([]byte, error) {
	value, ok := os.LookupEnv(p.name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrKeyNotFound, p.name)
	}
	return []byte(value), nil
}
