package execsafe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesSuccessfulOutput(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:  "/bin/echo",
		Args: []string{"hello"},
		Dir:  "/",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "hello\n", string(res.Stdout))

	sum := sha256.Sum256([]byte("hello\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.StdoutSHA256)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:  "/bin/sh",
		Args: []string{"-c", "exit 7"},
		Dir:  "/",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestRunKillsOnTimeout(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:     "/bin/sleep",
		Args:    []string{"5"},
		Dir:     "/",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunTruncatesOutputToCap(t *testing.T) {
	w := newCapWriter(8)
	n, err := w.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, 8, w.buf.Len())
}

func TestRunErrorsWhenBinaryMissing(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Cmd:  "/no/such/binary",
		Args: nil,
		Dir:  "/",
	})
	assert.Error(t, err)
}
