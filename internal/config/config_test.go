package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/cbt/redirect"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cbtkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func Test_Load_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSocket, cfg.Socket)
	assert.Equal(t, uint(16), cfg.Tracking.Degree)
	assert.Equal(t, uint(redirect.DefaultBlockShift), cfg.Redirect.BlockShift)
	assert.Equal(t, int64(redirect.DefaultQueueSectors), cfg.Redirect.QueueSectors)
	assert.Equal(t, "info", cfg.Log.Level)

	opts := cfg.RedirectOptions()
	assert.Nil(t, opts.Budget)
	assert.Equal(t, redirect.DefaultPreallocBlocks, opts.PreallocBlocks)
	assert.Nil(t, cfg.MapOptions().Budget)
}

func Test_Load_File(t *testing.T) {
	path := writeConfig(t, `
socket: /tmp/c.sock
tracking:
  degree: 12
  max_pages: 64
redirect:
  prealloc_blocks: 4
  max_pages: 1024
log:
  level: debug
  json: true
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c.sock", cfg.Socket)
	assert.Equal(t, uint(12), cfg.Tracking.Degree)
	assert.Equal(t, 4, cfg.Redirect.PreallocBlocks)
	assert.Equal(t, int64(redirect.DefaultQueueSectors), cfg.Redirect.QueueSectors)

	require.NotNil(t, cfg.MapOptions().Budget)
	require.NotNil(t, cfg.RedirectOptions().Budget)
	lo := cfg.LoggerOptions()
	assert.True(t, lo.JSON)
	assert.Equal(t, "DEBUG", lo.Level.String())
}

func Test_Load_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func Test_Load_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "tracking:\n  degree: 12\n")
	t.Setenv("CBTKIT_TRACKING_DEGREE", "20")
	t.Setenv("CBTKIT_SOCKET", "/tmp/env.sock")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(20), cfg.Tracking.Degree)
	assert.Equal(t, "/tmp/env.sock", cfg.Socket)
}

func Test_Load_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CBTKIT_SOCKET", "/tmp/env.sock")
	path := writeConfig(t, "log:\n  level: warn\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("socket", DefaultSocket, "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--socket", "/tmp/flag.sock"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flag.sock", cfg.Socket)
	// Unset flags leave the file value alone.
	assert.Equal(t, "warn", cfg.Log.Level)
}

func Test_Load_RejectsBadValues(t *testing.T) {
	path := writeConfig(t, "tracking:\n  degree: 4\nredirect:\n  prealloc_blocks: -1\n")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracking.degree")
	assert.Contains(t, err.Error(), "prealloc_blocks")
}
