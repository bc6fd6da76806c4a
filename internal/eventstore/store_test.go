package eventstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	env, err := envelope.New("control.god_button.intent", "router-1", 1700000000000, map[string]interface{}{
		"request_id": "abc123",
	})
	require.NoError(t, err)

	path, err := store.Append(env)
	require.NoError(t, err)
	assert.FileExists(t, path)

	days, err := Days(dir)
	require.NoError(t, err)
	require.Len(t, days, 1)

	res, err := ReadDay(dir, days[0], 100)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "abc123", res.Events[0].RequestID())
	assert.Equal(t, 0, res.MalformedLinesSkipped)
}

func TestAppendRejectsInvalidEnvelope(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	bad := &envelope.Envelope{Type: "", Src: "x", TsMs: 1, Data: map[string]interface{}{}}
	_, err = store.Append(bad)
	assert.Error(t, err)
}

func TestReadDaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	day := "2026-01-01"
	dayDir := filepath.Join(dir, "events", day)
	require.NoError(t, os.MkdirAll(dayDir, 0o755))

	content := `{"type":"a.b","src":"s","ts_ms":1,"data":{}}
not json at all
{"type":"a.c","src":"s","ts_ms":2,"data":{}}
{"src":"s","ts_ms":3,"data":{}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dayDir, "ingest.ndjson"), []byte(content), 0o644))

	res, err := ReadDay(dir, day, 100)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 2, res.MalformedLinesSkipped)
}

func TestReadDayRespectsMaxLinesTail(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 10; i++ {
		env, err := envelope.New("t.e", "s", int64(1700000000000+i), map[string]interface{}{"i": i})
		require.NoError(t, err)
		_, err = store.Append(env)
		require.NoError(t, err)
	}

	days, err := Days(dir)
	require.NoError(t, err)
	require.Len(t, days, 1)

	res, err := ReadDay(dir, days[0], 3)
	require.NoError(t, err)
	require.Len(t, res.Events, 3)
	assert.Equal(t, float64(7), res.Events[0].Data["i"])
	assert.Equal(t, float64(9), res.Events[2].Data["i"])
}
