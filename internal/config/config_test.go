package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
node:
  node_id: node-7
dispatch:
  aux_host: http://aux.local
`), 0o644))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.Node.NodeID)
	assert.Equal(t, "http://aux.local", cfg.Dispatch.AuxHost)
}

func TestApplyEnvOverridesTakesPrecedence(t *testing.T) {
	t.Setenv("NODE_ID", "node-from-env")
	t.Setenv("DEFAULT_TIMEOUT_MS", "1234")

	cfg := &Config{}
	cfg.Node.NodeID = "node-from-file"
	cfg.applyEnvOverrides()

	assert.Equal(t, "node-from-env", cfg.Node.NodeID)
	assert.Equal(t, 1234, cfg.Dispatch.DefaultTimeoutMs)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "node-local", cfg.Node.NodeID)
	assert.Equal(t, "agent", cfg.Node.Role)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 8000, cfg.Dispatch.DefaultTimeoutMs)
	assert.Equal(t, "local", cfg.Feed.ReadMode)
	assert.Equal(t, 300, cfg.Token.TTLSec)
}

func TestApplyDefaultsDoesNotOverrideSetValues(t *testing.T) {
	cfg := &Config{}
	cfg.Feed.ReadMode = "ssh"
	cfg.applyDefaults()
	assert.Equal(t, "ssh", cfg.Feed.ReadMode)
}
