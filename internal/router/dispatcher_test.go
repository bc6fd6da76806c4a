package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labctl/fieldplane/internal/bus"
	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *eventstore.Store) {
	t.Helper()
	store, err := eventstore.New(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Dispatcher{
		Store:   store,
		Bus:     bus.NewInMemoryBus(),
		Tracker: dedupe.NewTracker(),
		Src:     "router-test",
	}, store
}

func readAllEvents(t *testing.T, store *eventstore.Store) []*envelope.Envelope {
	t.Helper()
	root := store.Root()
	matches, err := filepath.Glob(filepath.Join(root, "events", "*", "ingest.ndjson"))
	require.NoError(t, err)

	var out []*envelope.Envelope
	for _, m := range matches {
		data, err := readFileLines(m)
		require.NoError(t, err)
		for _, line := range data {
			env, err := envelope.Parse(line)
			require.NoError(t, err)
			out = append(out, env)
		}
	}
	return out
}

func readFileLines(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	return lines, nil
}

// waitUntil polls cond for up to one second, for assertions that depend on
// the in-memory bus's asynchronous subscriber goroutines.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, cond(), "condition did not become true in time")
}

func countByType(envs []*envelope.Envelope, typ string) int {
	n := 0
	for _, e := range envs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestDispatchDryRunRollcall(t *testing.T) {
	d, store := newTestDispatcher(t)

	req := Request{
		Action: "ritual.rollcall",
		Args:   map[string]interface{}{"dry_run": true},
	}

	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.True(t, out.DryRun)
	assert.NotEmpty(t, out.RequestID)

	envs := readAllEvents(t, store)
	assert.Equal(t, 1, countByType(envs, "control.god_button.intent"))
	assert.Equal(t, 1, countByType(envs, "control.god_button.result"))
	assert.Equal(t, 0, countByType(envs, "control.god_button.denied"))

	for _, e := range envs {
		if e.Type == "control.god_button.result" {
			assert.Equal(t, true, e.Data["dry_run"])
			assert.Equal(t, out.RequestID, e.RequestID())
		}
	}
}

func TestDispatchDuplicateRequestIDDenied(t *testing.T) {
	d, store := newTestDispatcher(t)

	req := Request{RequestID: "abc", Action: "panic.freeze.agents"}

	out1, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out1.OK)

	out2, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out2.OK)
	assert.Equal(t, "duplicate request_id", out2.DeniedReason)

	envs := readAllEvents(t, store)
	assert.Equal(t, 1, countByType(envs, "control.god_button.denied"))
	assert.Equal(t, 1, countByType(envs, "control.god_button.intent"))
}

func TestDispatchRateLimitedBuild(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	var last *Outcome
	for i := 0; i < 4; i++ {
		req := Request{Action: "build.flash.target", Args: map[string]interface{}{
			"steps": []interface{}{},
		}}
		out, err := d.Dispatch(ctx, req)
		require.NoError(t, err)
		last = out
	}
	assert.False(t, last.OK)
	assert.Contains(t, last.DeniedReason, "rate limit exceeded for build")
}

func TestDispatchRejectsNonAllowlistedAction(t *testing.T) {
	d, store := newTestDispatcher(t)

	out, err := d.Dispatch(context.Background(), Request{Action: "shell.raw.exec"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "action not allowlisted", out.DeniedReason)

	envs := readAllEvents(t, store)
	assert.Equal(t, 1, countByType(envs, "control.god_button.denied"))
	assert.Equal(t, 0, countByType(envs, "control.god_button.intent"))
}

func TestDispatchPublishesToGenericAndClassTopics(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var gotGeneric, gotClass bool
	unsubGeneric, err := d.Bus.(*bus.InMemoryBus).Subscribe(context.Background(), "god.button", func(bus.Message) {
		gotGeneric = true
	})
	require.NoError(t, err)
	defer unsubGeneric()

	unsubClass, err := d.Bus.(*bus.InMemoryBus).Subscribe(context.Background(), "ops.ritual", func(bus.Message) {
		gotClass = true
	})
	require.NoError(t, err)
	defer unsubClass()

	out, err := d.Dispatch(context.Background(), Request{Action: "ritual.rollcall"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "ops.ritual", out.RoutedTopic)

	// in-memory bus delivery happens in a goroutine; give it a beat.
	waitUntil(t, func() bool { return gotGeneric && gotClass })
}
