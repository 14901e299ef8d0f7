package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codefionn/striderun/internal/config"
	"github.com/codefionn/striderun/internal/runconfig"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServeCmdForTest() *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "")
	cmd.Flags().StringVar(&serveCacheDir, "cache-dir", "", "")
	cmd.Flags().StringVar(&serveCompiler, "compiler", "", "")
	cmd.Flags().StringVar(&serveDebugPath, "compiler-debug", "", "")
	cmd.Flags().StringVar(&serveRelease, "compiler-release", "", "")
	cmd.Flags().StringVar(&serveLogLevel, "log-level", "", "")
	cmd.Flags().StringVar(&serveLogPath, "log-path", "", "")
	cmd.Flags().BoolVar(&serveDebugMode, "debug-mode", false, "")
	return cmd
}

func TestLoadServeConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "addr": ":9000",
  "cache_dir": "/from/file",
  "log_level": "warn",
  "compiler": {"command": "cstride-file"}
}`), 0644))

	prev := configFile
	configFile = path
	t.Cleanup(func() { configFile = prev })

	t.Setenv("STRIDERUN_ADDR", ":9100")
	t.Setenv("STRIDERUN_CACHE_DIR", "/from/env")

	cmd := newServeCmdForTest()
	require.NoError(t, cmd.Flags().Set("addr", ":9200"))
	require.NoError(t, cmd.Flags().Set("debug-mode", "true"))

	cfg, gotPath, err := loadServeConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, path, gotPath)
	assert.Equal(t, ":9200", cfg.Addr, "flag wins over env and file")
	assert.Equal(t, "/from/env", cfg.CacheDir, "env wins over file")
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "cstride-file", cfg.Compiler.Command)
	assert.True(t, cfg.Run.DebugMode)
}

func TestReloaderUpdatesDebugMode(t *testing.T) {
	store := runconfig.NewStore(runconfig.Configuration{})
	var seen []runconfig.Configuration
	store.Subscribe(func(cfg runconfig.Configuration) {
		seen = append(seen, cfg)
	})

	r := newReloader(store, config.DefaultConfig())
	next := config.DefaultConfig()
	next.Run.DebugMode = true
	r.apply(next)
	assert.True(t, store.Get().DebugMode)

	// Unchanged value does not notify again
	r.apply(next)
	assert.Len(t, seen, 1)
}

func TestReloaderKeepsClientDebugMode(t *testing.T) {
	store := runconfig.NewStore(runconfig.Configuration{})
	r := newReloader(store, config.DefaultConfig())

	_, err := store.Apply(`{"debugMode":true}`)
	require.NoError(t, err)

	var seen []runconfig.Configuration
	store.Subscribe(func(cfg runconfig.Configuration) {
		seen = append(seen, cfg)
	})

	next := config.DefaultConfig()
	next.LogLevel = "debug"
	r.apply(next)

	assert.True(t, store.Get().DebugMode, "saving unrelated keys keeps the client value")
	assert.Empty(t, seen)

	next = config.DefaultConfig()
	next.Run.DebugMode = true
	r.apply(next)
	next = config.DefaultConfig()
	r.apply(next)
	assert.False(t, store.Get().DebugMode, "the file turning debug_mode off still applies")
	assert.Len(t, seen, 2)
}

func TestVersionCommand(t *testing.T) {
	var out strings.Builder
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "striderun "+version)
}
