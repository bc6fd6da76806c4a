package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/capability"
	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/internal/router"
)

func newTestAgent(t *testing.T, descJSON string) (*Agent, *eventstore.Store) {
	t.Helper()
	store, err := eventstore.New(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	capPath := filepath.Join(t.TempDir(), "capabilities.json")
	require.NoError(t, os.WriteFile(capPath, []byte(descJSON), 0o644))
	capStore, err := capability.Load(capPath, "node-1")
	require.NoError(t, err)

	a := &Agent{
		NodeID:       "node-1",
		DeviceID:     "device-1",
		Role:         "tier1",
		Platform:     "pi",
		Capabilities: capStore,
		Allowlist:    &allowlist.List{Entries: map[string]allowlist.Entry{}},
		Tracker:      dedupe.NewTracker(),
		Store:        store,
	}
	return a, store
}

func readEvents(t *testing.T, store *eventstore.Store) []*envelope.Envelope {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(store.Root(), "events", "*", "ingest.ndjson"))
	require.NoError(t, err)

	var out []*envelope.Envelope
	for _, m := range matches {
		raw, err := os.ReadFile(m)
		require.NoError(t, err)
		start := 0
		for i, b := range raw {
			if b != '\n' {
				continue
			}
			if i > start {
				env, err := envelope.Parse(raw[start:i])
				require.NoError(t, err)
				out = append(out, env)
			}
			start = i + 1
		}
	}
	return out
}

func countType(envs []*envelope.Envelope, typ string) int {
	n := 0
	for _, e := range envs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestHandleDeniesDisabledCapability(t *testing.T) {
	a, store := newTestAgent(t, `{
		"node_id": "node-1",
		"capabilities": {
			"maint": {"enabled": false, "scopes": [], "tools": []}
		}
	}`)

	req := router.Request{RequestID: "r1", Action: "maint.disk.df", Scope: "all"}
	err := a.Handle(context.Background(), req)
	require.NoError(t, err)

	envs := readEvents(t, store)
	require.Equal(t, 1, countType(envs, "agent.capability.denied"))
	require.Equal(t, 1, countType(envs, "node.maintenance.result"))

	for _, e := range envs {
		if e.Type == "agent.capability.denied" {
			assert.Equal(t, "capability disabled: maint", e.Data["denied_reason"])
		}
		if e.Type == "node.maintenance.result" {
			assert.Equal(t, false, e.Data["ok"])
		}
	}
	// No shell command should ever have been spawned: no agent.exec.* pair.
	assert.Equal(t, 0, countType(envs, "agent.exec.intent"))
	assert.Equal(t, 0, countType(envs, "agent.exec.result"))
}

func TestHandleDedupesSameRequestID(t *testing.T) {
	a, store := newTestAgent(t, `{
		"node_id": "node-1",
		"capabilities": {
			"ritual": {"enabled": true, "scopes": ["all", "node", "tier1", "mac", "pi"], "tools": []}
		}
	}`)

	req := router.Request{RequestID: "dup-1", Action: "ritual.rollcall", Scope: "all"}
	require.NoError(t, a.Handle(context.Background(), req))
	require.NoError(t, a.Handle(context.Background(), req))

	envs := readEvents(t, store)
	assert.Equal(t, 1, countType(envs, "agent.capability.denied"))
	assert.Equal(t, 1, countType(envs, "node.claim.result"))
}

func TestFrozenModeBlocksNonPanicActions(t *testing.T) {
	a, store := newTestAgent(t, `{
		"node_id": "node-1",
		"capabilities": {
			"panic": {"enabled": true, "scopes": ["all"], "tools": []},
			"ritual": {"enabled": true, "scopes": ["all"], "tools": []}
		}
	}`)

	require.NoError(t, a.Handle(context.Background(), router.Request{RequestID: "f1", Action: "panic.freeze.agents", Scope: "all"}))
	assert.True(t, a.Frozen())

	require.NoError(t, a.Handle(context.Background(), router.Request{RequestID: "f2", Action: "ritual.rollcall", Scope: "all"}))

	envs := readEvents(t, store)
	var sawDenied bool
	for _, e := range envs {
		if e.Type == "agent.capability.denied" && e.RequestID() == "f2" {
			sawDenied = true
		}
	}
	assert.True(t, sawDenied, "ritual.rollcall must be denied while frozen")
}

func TestShouldHandleScopes(t *testing.T) {
	a := &Agent{NodeID: "node-1", Role: "tier1", Platform: "pi"}

	assert.True(t, a.ShouldHandle("all", ""))
	assert.True(t, a.ShouldHandle("node", "node-1"))
	assert.False(t, a.ShouldHandle("node", "node-2"))
	assert.True(t, a.ShouldHandle("tier1", ""))
	assert.True(t, a.ShouldHandle("pi", ""))
	assert.False(t, a.ShouldHandle("mac", ""))
	assert.False(t, a.ShouldHandle("unknown-scope", ""))
}

func TestNodeClaimPersistsAtomically(t *testing.T) {
	a, store := newTestAgent(t, `{
		"node_id": "node-1",
		"capabilities": {
			"ritual": {"enabled": true, "scopes": ["all"], "tools": []}
		}
	}`)
	a.ClaimDBPath = filepath.Join(t.TempDir(), "claims.json")

	req := router.Request{RequestID: "c1", Action: "node.claim", Scope: "all", Reason: "operator-1"}
	require.NoError(t, a.Handle(context.Background(), req))

	data, err := os.ReadFile(a.ClaimDBPath)
	require.NoError(t, err)
	var rec ClaimRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "node-1", rec.NodeID)
	assert.Equal(t, "operator-1", rec.ClaimedBy)

	envs := readEvents(t, store)
	assert.Equal(t, 1, countType(envs, "node.claim.result"))
}
