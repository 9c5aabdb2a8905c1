package profile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cipher, err := NewCipher([]byte("test-master-passphrase"))
	require.NoError(t, err)

	cfg := DefaultStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "pki.db")

	s, err := NewStore(cfg, cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreDefaultProfileOnBootstrap(t *testing.T) {
	s := newTestStore(t)

	p, err := s.GetProfile(context.Background(), DefaultProfileID)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, p.ID)
	assert.Equal(t, VersionDefault, p.Version)
	assert.Equal(t, VerifyRequired, p.VerifyMode)
	assert.Equal(t, Budget{Count: 3}, p.Retries)
}

func TestStoreDefaultProfileSelfHeals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteProfile(ctx, DefaultProfileID))

	p, err := s.GetProfile(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, p.ID)
	assert.Equal(t, "Default", p.Name)
}

func TestStoreProfileCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Profile{
		Name:       "geoserver",
		CACerts:    "ca/root.pem",
		ClientCert: "client/cert.pem",
		ClientKey:  "client/key.pem",
		Version:    VersionTLS12,
		VerifyMode: VerifyRequired,
		Options:    []string{"OP_NO_SSLv3", "OP_NO_TLSv1"},
		Retries:    Budget{Count: 2},
		Redirects:  Budget{Disabled: true},
	}

	created, err := s.CreateProfile(ctx, p)
	require.NoError(t, err)
	assert.Greater(t, created.ID, DefaultProfileID)

	got, err := s.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "geoserver", got.Name)
	assert.Equal(t, []string{"OP_NO_SSLv3", "OP_NO_TLSv1"}, got.Options)
	assert.Equal(t, Budget{Count: 2}, got.Retries)
	assert.Equal(t, Budget{Disabled: true}, got.Redirects)

	got.Description = "updated"
	got.Retries = Budget{Count: 0}
	require.NoError(t, s.UpdateProfile(ctx, got))

	got, err = s.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)
	assert.Equal(t, Budget{Count: 0}, got.Retries)
	assert.False(t, got.Retries.Disabled)

	require.NoError(t, s.DeleteProfile(ctx, created.ID))
	_, err = s.GetProfile(ctx, created.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestStoreProfileNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetProfile(ctx, 9999)
	assert.ErrorIs(t, err, ErrProfileNotFound)

	err = s.UpdateProfile(ctx, &Profile{ID: 9999, Name: "ghost"})
	assert.ErrorIs(t, err, ErrProfileNotFound)

	err = s.DeleteProfile(ctx, 9999)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestStoreEncryptsKeyPassword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Profile{
		Name:              "secure",
		ClientCert:        "client/cert.pem",
		ClientKey:         "client/key.pem",
		ClientKeyPassword: "hunter2",
	}

	created, err := s.CreateProfile(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", created.ClientKeyPassword)

	got, err := s.GetProfile(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", got.ClientKeyPassword)

	plain, err := s.KeyPassword(got)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestStoreKeyPasswordEmpty(t *testing.T) {
	s := newTestStore(t)

	plain, err := s.KeyPassword(&Profile{})
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestStoreMappingCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Mapping{Pattern: "*.example.com:443", Enabled: true, Rank: 5, Proxy: true, ProfileID: DefaultProfileID}
	require.NoError(t, s.CreateMapping(ctx, m))

	assert.ErrorIs(t, s.CreateMapping(ctx, m), ErrMappingExists)

	got, err := s.GetMapping(ctx, "*.example.com:443")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.Proxy)
	assert.Equal(t, 5, got.Rank)

	got.Enabled = false
	require.NoError(t, s.UpdateMapping(ctx, got))

	got, err = s.GetMapping(ctx, "*.example.com:443")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, s.DeleteMapping(ctx, "*.example.com:443"))
	_, err = s.GetMapping(ctx, "*.example.com:443")
	assert.ErrorIs(t, err, ErrMappingNotFound)
}

func TestStoreMappingsOrderedByRank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mappings := []*Mapping{
		{Pattern: "c.example.com", Enabled: true, Rank: 30, ProfileID: DefaultProfileID},
		{Pattern: "a.example.com", Enabled: true, Rank: 10, ProfileID: DefaultProfileID},
		{Pattern: "b.example.com", Enabled: false, Rank: 20, ProfileID: DefaultProfileID},
	}
	for _, m := range mappings {
		require.NoError(t, s.CreateMapping(ctx, m))
	}

	all, err := s.ListMappings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.example.com", all[0].Pattern)
	assert.Equal(t, "b.example.com", all[1].Pattern)
	assert.Equal(t, "c.example.com", all[2].Pattern)

	enabled, err := s.ListEnabledMappings(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "a.example.com", enabled[0].Pattern)
	assert.Equal(t, "c.example.com", enabled[1].Pattern)
}

func TestStoreRepointMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProfile(ctx, &Profile{Name: "doomed"})
	require.NoError(t, err)

	m := &Mapping{Pattern: "orphan.example.com", Enabled: true, ProfileID: p.ID}
	require.NoError(t, s.CreateMapping(ctx, m))

	require.NoError(t, s.RepointMapping(ctx, m.Pattern, DefaultProfileID))

	got, err := s.GetMapping(ctx, m.Pattern)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, got.ProfileID)

	assert.ErrorIs(t, s.RepointMapping(ctx, "no-such-pattern", DefaultProfileID), ErrMappingNotFound)
}
