package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "cstride", cfg.Compiler.Command)
	assert.Equal(t, 5*time.Second, cfg.Compiler.KillGrace())
	assert.False(t, cfg.Run.DebugMode)
	assert.Equal(t, "-", cfg.LogPath)
}

func TestLoadOverridesProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"addr": "127.0.0.1:9000",
		"compiler": {"debug_path": "/opt/cstride/debug/cstride"},
		"run": {"debug_mode": true}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "/opt/cstride/debug/cstride", cfg.Compiler.DebugPath)
	assert.Equal(t, "cstride", cfg.Compiler.Command, "empty command falls back to default")
	assert.Equal(t, 5, cfg.Compiler.KillGraceSeconds)
	assert.True(t, cfg.Run.DebugMode)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"addr":`), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadAcceptsCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// editor dev server
		"allowed_origins": ["http://localhost:5173",],
		/* pacing */
		"rate_limit": 5,
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 5.0, cfg.RateLimit)
	assert.Equal(t, 100, cfg.RateBurst, "burst keeps its default")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STRIDERUN_ADDR", ":9999")
	t.Setenv("STRIDERUN_LOG_LEVEL", "debug")
	t.Setenv("STRIDERUN_CACHE_DIR", "/tmp/stride-cache")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/stride-cache", cfg.CacheDir)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.Run.DebugMode = true
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Run.DebugMode)
	assert.Equal(t, []string{"http://localhost:5173"}, loaded.AllowedOrigins)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run":{"debug_mode":false}}`), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()

	// Keep rewriting until the watcher is armed and reports the new value.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Run.DebugMode {
				cancel()
				require.NoError(t, <-done)
				return
			}
		case <-ticker.C:
			require.NoError(t, os.WriteFile(path, []byte(`{"run":{"debug_mode":true}}`), 0644))
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
