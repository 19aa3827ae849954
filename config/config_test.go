package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 2000, cfg.PageCacheSize)
	require.Equal(t, uint64(64<<20), cfg.Checkpoint.EveryBytes)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corvus.yaml")
	yaml := "page_cache_size: 500\nlog_level: debug\ncheckpoint:\n  every_ms: 1000\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 500, cfg.PageCacheSize)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, uint64(1000), cfg.Checkpoint.EveryMs)

	// fields absent from the file keep their DefaultConfig value
	require.Equal(t, uint64(64<<20), cfg.Checkpoint.EveryBytes)
	require.Equal(t, 64, cfg.CompressMinSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
