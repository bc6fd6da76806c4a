package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDescriptor(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "capabilities.json")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadMissingFileFailsClosed(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.json"), "node-1")
	assert.Error(t, err)
	require.NotNil(t, s)
	d := s.Current()
	assert.True(t, d.Enabled(ClassSnapshot))
	assert.False(t, d.Enabled(ClassPanic))
	assert.False(t, d.Enabled(ClassBuild))
}

func TestLoadMalformedFileFailsClosed(t *testing.T) {
	p := writeDescriptor(t, t.TempDir(), "{not json")
	s, err := Load(p, "node-1")
	assert.Error(t, err)
	assert.True(t, s.Current().Enabled(ClassSnapshot))
}

func TestFailClosedSnapshotHasUsableScopes(t *testing.T) {
	d := FailClosedDefault("node-1")
	assert.True(t, d.Enabled(ClassSnapshot))
	assert.True(t, d.ScopeAllowed(ClassSnapshot, "all"))
	assert.True(t, d.ScopeAllowed(ClassSnapshot, "node"))
	assert.False(t, d.Enabled(ClassPanic))
	assert.False(t, d.ScopeAllowed(ClassPanic, "all"))
}

func TestLoadValidDescriptor(t *testing.T) {
	p := writeDescriptor(t, t.TempDir(), `{
		"node_id": "node-1",
		"roles": ["ops"],
		"capabilities": {
			"panic": {"enabled": true, "scopes": ["agents"], "tools": []},
			"build": {"enabled": true, "scopes": ["local"], "tools": ["make"]}
		}
	}`)
	s, err := Load(p, "node-1")
	require.NoError(t, err)
	d := s.Current()
	assert.True(t, d.Enabled(ClassPanic))
	assert.True(t, d.ScopeAllowed(ClassPanic, "agents"))
	assert.False(t, d.ScopeAllowed(ClassPanic, "humans"))
	assert.True(t, d.ToolAllowed(ClassBuild, "make"))
	assert.False(t, d.ToolAllowed(ClassBuild, "curl"))
	assert.False(t, d.Enabled(ClassScan))
}

func TestReloadSwapsDescriptorAtomically(t *testing.T) {
	dir := t.TempDir()
	p := writeDescriptor(t, dir, `{"capabilities":{"scan":{"enabled":false}}}`)
	s, err := Load(p, "node-1")
	require.NoError(t, err)
	assert.False(t, s.Current().Enabled(ClassScan))

	require.NoError(t, os.WriteFile(p, []byte(`{"capabilities":{"scan":{"enabled":true}}}`), 0o644))
	require.NoError(t, s.Reload())
	assert.True(t, s.Current().Enabled(ClassScan))
}

func TestReloadOnBrokenFileKeepsPreviousLive(t *testing.T) {
	dir := t.TempDir()
	p := writeDescriptor(t, dir, `{"capabilities":{"scan":{"enabled":true}}}`)
	s, err := Load(p, "node-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("garbage"), 0o644))
	assert.Error(t, s.Reload())
	assert.True(t, s.Current().Enabled(ClassScan), "previous valid descriptor must remain live")
}
