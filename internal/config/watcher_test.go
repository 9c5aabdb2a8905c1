package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherTestConfig = `
origins:
  site: "https://portal.example.com"
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherTestConfig)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "https://portal.example.com", cfg.Origins.Site)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherTestConfig)

	var mu sync.Mutex
	var reloaded *Config
	changed := make(chan struct{}, 1)

	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	writeConfig(t, path, `
origins:
  site: "https://changed.example.com"
`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "https://changed.example.com", reloaded.Origins.Site)
	assert.Equal(t, "https://changed.example.com", w.LastConfig().Origins.Site)
}

func TestWatcherKeepsLastGoodConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, watcherTestConfig)

	failed := make(chan struct{}, 1)
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(error) {
			select {
			case failed <- struct{}{}:
			default:
			}
		}))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	writeConfig(t, path, "origins:\n  site: \"\"\n")

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("error callback never fired")
	}

	assert.Equal(t, "https://portal.example.com", w.LastConfig().Origins.Site)
}

func TestWatcherStartFailsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "origins:\n  site: \"\"\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}
