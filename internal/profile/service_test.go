package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *[]string) {
	t.Helper()

	s := newTestStore(t)
	svc := NewService(s, opts...)

	var fired []string
	svc.OnMutation(func(ctx context.Context) { fired = append(fired, "rebuild") })
	svc.OnMutation(func(ctx context.Context) { fired = append(fired, "sync") })
	return svc, &fired
}

func TestServiceHooksFireInOrder(t *testing.T) {
	svc, fired := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateProfile(ctx, &Profile{Name: "upstream"})
	require.NoError(t, err)

	assert.Equal(t, []string{"rebuild", "sync"}, *fired)
}

func TestServiceHooksSkippedOnFailure(t *testing.T) {
	svc, fired := newTestService(t)
	ctx := context.Background()

	err := svc.DeleteMapping(ctx, "no-such-pattern")
	assert.ErrorIs(t, err, ErrMappingNotFound)
	assert.Empty(t, *fired)
}

func TestServiceMappingLifecycleFiresHooks(t *testing.T) {
	svc, fired := newTestService(t)
	ctx := context.Background()

	m := &Mapping{Pattern: "*.example.com", Enabled: true, ProfileID: DefaultProfileID}
	require.NoError(t, svc.CreateMapping(ctx, m))

	m.Rank = 7
	require.NoError(t, svc.UpdateMapping(ctx, m))

	require.NoError(t, svc.DeleteMapping(ctx, m.Pattern))

	assert.Equal(t, []string{"rebuild", "sync", "rebuild", "sync", "rebuild", "sync"}, *fired)
}

func TestServiceMappingRequiresExistingProfile(t *testing.T) {
	svc, fired := newTestService(t)
	ctx := context.Background()

	m := &Mapping{Pattern: "orphan.example.com", Enabled: true, ProfileID: 9999}
	err := svc.CreateMapping(ctx, m)
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.Empty(t, *fired)
}

func TestServiceValidatesProfileFiles(t *testing.T) {
	pki := newTestPKI(t)
	store := newTestStore(t)
	svc := NewService(store, WithValidator(NewValidator(pki.dir)))

	_, err := svc.CreateProfile(context.Background(), &Profile{
		Name:       "broken",
		CACerts:    "missing.pem",
		ClientCert: "",
	})
	require.Error(t, err)
	_, ok := AsValidationError(err)
	assert.True(t, ok)
}
