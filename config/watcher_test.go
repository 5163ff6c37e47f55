package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestWatcher_ReloadsHotFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	w := NewWatcher(path, loader, initial, WithWatcherLogger(zaptest.NewLogger(t)))

	var got atomic.Pointer[Config]
	w.OnReload(func(oldCfg, newCfg *Config) {
		assert.Equal(t, "info", oldCfg.Log.Level)
		got.Store(newCfg)
	})

	changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed, "未修改的文件不应触发重载")

	writeConfig(t, path, "log:\n  level: debug\nmemory:\n  context_items_per_module: 5\n", base.Add(time.Minute))
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)

	require.NotNil(t, got.Load())
	assert.Equal(t, "debug", got.Load().Log.Level)
	assert.Equal(t, 5, w.Current().Memory.ContextItemsPerModule)
	assert.False(t, RestartRequired(initial, w.Current()))
}

func TestWatcher_InvalidConfigKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "log:\n  level: info\n", base)

	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)
	w := NewWatcher(path, loader, initial)

	writeConfig(t, path, "memory:\n  compression_threshold: 0\n", base.Add(time.Minute))
	changed, err := w.Check()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Same(t, initial, w.Current())
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	w := NewWatcher(path, NewLoader().WithConfigPath(path), DefaultConfig(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRestartRequired(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.Log.Level = "debug"
	b.Memory.ContextMaxTokens = 800
	assert.False(t, RestartRequired(a, b))

	b.Server.HTTPPort = 9999
	assert.True(t, RestartRequired(a, b))
}
