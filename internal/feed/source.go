// Package feed implements the Event Feed Reader (C7): a read-side that
// tails the event store (locally or via a guarded SSH hop) and filters
// by time/type/source, reassembling per-request traces, per spec §4.7.
// The Source abstraction (local filesystem vs. remote SSH) mirrors the
// teacher's dual in-memory/durable-bus split in internal/bus — one
// interface, two backends, selected at wiring time by config.
package feed

import (
	"context"
	"fmt"

	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
)

// ReadMode is one of the three read modes §4.7/§4.8 define.
type ReadMode string

const (
	ModeLocal    ReadMode = "local"
	ModeSSH      ReadMode = "ssh"
	ModeSSHGuard ReadMode = "ssh_guard"
)

// Source abstracts "where the event-store bytes come from": a local
// filesystem or a remote host reached over SSH (plain or ssh_guard).
// Per spec's open question (c), ssh vs ssh_guard is a convenience toggle,
// not an auth boundary — both implementations here are read-only.
type Source interface {
	Days(ctx context.Context) ([]string, error)
	ReadDay(ctx context.Context, day string, maxLines int) (*eventstore.ReadResult, error)
}

// LocalSource reads directly from the local filesystem event root.
type LocalSource struct {
	Root string
}

func (s *LocalSource) Days(ctx context.Context) ([]string, error) {
	return eventstore.Days(s.Root)
}

func (s *LocalSource) ReadDay(ctx context.Context, day string, maxLines int) (*eventstore.ReadResult, error) {
	return eventstore.ReadDay(s.Root, day, maxLines)
}

var _ Source = (*LocalSource)(nil)

// envelopesFromResult is a small shared helper so callers that only need
// the parsed envelopes don't have to reach into ReadResult directly.
func envelopesFromResult(res *eventstore.ReadResult) []*envelope.Envelope {
	if res == nil {
		return nil
	}
	return res.Events
}

// ErrUnknownMode is returned by NewSource for an unrecognized READ_MODE.
var ErrUnknownMode = fmt.Errorf("feed: unknown read mode")
