package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Run("reads configured variable", func(t *testing.T) {
		t.Setenv("TEST_MASTER_KEY", "env-secret")
		p := NewEnvProvider("TEST_MASTER_KEY")
		assert.Equal(t, ProviderTypeEnv, p.Type())

		key, err := p.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("env-secret"), key)
	})

	t.Run("defaults the variable name", func(t *testing.T) {
		t.Setenv(DefaultEnvVar, "default-secret")
		p := NewEnvProvider("")
		key, err := p.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("default-secret"), key)
	})

	t.Run("missing variable", func(t *testing.T) {
		p := NewEnvProvider("PKIGATEWAY_TEST_UNSET_VAR")
		_, err := p.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestFileProvider(t *testing.T) {
	t.Run("reads and trims the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.key")
		require.NoError(t, os.WriteFile(path, []byte("file-secret\n"), 0o600))

		p, err := NewFileProvider(path)
		require.NoError(t, err)
		assert.Equal(t, ProviderTypeFile, p.Type())

		key, err := p.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("file-secret"), key)
	})

	t.Run("missing file", func(t *testing.T) {
		p, err := NewFileProvider(filepath.Join(t.TempDir(), "absent.key"))
		require.NoError(t, err)
		_, err = p.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.key")
		require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

		p, err := NewFileProvider(path)
		require.NoError(t, err)
		_, err = p.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("requires a path", func(t *testing.T) {
		_, err := NewFileProvider("")
		assert.ErrorIs(t, err, ErrProviderNotConfigured)
	})
}

func TestVaultProvider(t *testing.T) {
	newVaultStub := func(t *testing.T, data map[string]interface{}) *httptest.Server {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("kv v1 layout", func(t *testing.T) {
		srv := newVaultStub(t, map[string]interface{}{"master_key": "vault-secret"})

		p, err := NewVaultProvider(&VaultProviderConfig{
			Address: srv.URL,
			Token:   "test-token",
			Path:    "secret/pkigateway",
		})
		require.NoError(t, err)
		assert.Equal(t, ProviderTypeVault, p.Type())

		key, err := p.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("vault-secret"), key)
	})

	t.Run("kv v2 nesting", func(t *testing.T) {
		srv := newVaultStub(t, map[string]interface{}{
			"data":     map[string]interface{}{"master_key": "nested-secret"},
			"metadata": map[string]interface{}{"version": 1},
		})

		p, err := NewVaultProvider(&VaultProviderConfig{
			Address: srv.URL,
			Token:   "test-token",
			Path:    "secret/data/pkigateway",
		})
		require.NoError(t, err)

		key, err := p.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("nested-secret"), key)
	})

	t.Run("missing field", func(t *testing.T) {
		srv := newVaultStub(t, map[string]interface{}{"other": "x"})

		p, err := NewVaultProvider(&VaultProviderConfig{
			Address: srv.URL,
			Token:   "test-token",
			Path:    "secret/pkigateway",
		})
		require.NoError(t, err)

		_, err = p.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("requires a path", func(t *testing.T) {
		_, err := NewVaultProvider(&VaultProviderConfig{})
		assert.ErrorIs(t, err, ErrProviderNotConfigured)
	})
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name         string
		cfg          *Config
		expectedType ProviderType
		wantErr      bool
	}{
		{
			name:         "nil config defaults to env",
			cfg:          nil,
			expectedType: ProviderTypeEnv,
		},
		{
			name:         "env",
			cfg:          &Config{Type: "env", EnvVar: "X"},
			expectedType: ProviderTypeEnv,
		},
		{
			name:         "file",
			cfg:          &Config{Type: "file", File: "/tmp/key"},
			expectedType: ProviderTypeFile,
		},
		{
			name:         "vault",
			cfg:          &Config{Type: "vault", VaultPath: "secret/pkigateway"},
			expectedType: ProviderTypeVault,
		},
		{
			name:    "unknown type",
			cfg:     &Config{Type: "consul"},
			wantErr: true,
		},
		{
			name:    "vault without path",
			cfg:     &Config{Type: "vault"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedType, p.Type())
		})
	}
}
