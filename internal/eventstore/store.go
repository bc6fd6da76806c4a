// Package eventstore implements the append-only per-day NDJSON event log
// (spec §4.1, C1). One writer process owns the file; appends are
// serialized behind a single mutex, and fsync only happens on Close or
// day rotation — matching the teacher's evidence.EvidenceChain.Append
// lock-then-mutate shape in internal/evidence/vault.go, adapted from an
// in-memory hash chain to a file-backed NDJSON log.
package eventstore

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/labctl/fieldplane/internal/envelope"
)

// Store is a single-process, single-writer append-only event log rooted
// at a directory laid out as <root>/events/YYYY-MM-DD/ingest.ndjson.
type Store struct {
	mu         sync.Mutex
	root       string
	day        string
	file       *os.File
	writer     *bufio.Writer
	appends    int64
	bytesTotal int64
}

// New opens a Store rooted at root. The directory is created if absent.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("eventstore: empty root")
	}
	if err := os.MkdirAll(filepath.Join(root, "events"), 0o755); err != nil {
		return nil, fmt.Errorf("eventstore: mkdir root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory, for health reporting.
func (s *Store) Root() string { return s.root }

// Append serializes env and appends it as one NDJSON line to the day
// partition matching env.Day(), and returns that partition's file path.
// Append validates env itself and rejects an envelope that lacks any of
// type, src, ts_ms or data.
func (s *Store) Append(env *envelope.Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	line, err := env.JSON()
	if err != nil {
		return "", fmt.Errorf("eventstore: marshal: %w", err)
	}

	day := env.Day()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDayLocked(day); err != nil {
		return "", err
	}

	if _, err := s.writer.Write(line); err != nil {
		return "", fmt.Errorf("eventstore: write: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return "", fmt.Errorf("eventstore: write newline: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return "", fmt.Errorf("eventstore: flush: %w", err)
	}

	s.appends++
	s.bytesTotal += int64(len(line)) + 1

	return s.pathLocked(day), nil
}

// ensureDayLocked swaps the open file handle when the day partition
// changes, fsyncing and closing the previous handle first.
func (s *Store) ensureDayLocked(day string) error {
	if s.file != nil && s.day == day {
		return nil
	}
	if s.file != nil {
		if err := s.closeLocked(); err != nil {
			slog.Warn("eventstore: error closing previous day file", "day", s.day, "error", err)
		}
	}

	path := s.pathLocked(day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("eventstore: mkdir day dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.day = day
	return nil
}

func (s *Store) pathLocked(day string) string {
	return filepath.Join(s.root, "events", day, "ingest.ndjson")
}

func (s *Store) closeLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	err := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	s.writer = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close flushes and fsyncs the currently open day file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

// Stats reports basic counters for health/metrics endpoints.
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"root":        s.root,
		"current_day": s.day,
		"appends":     s.appends,
		"bytes":       s.bytesTotal,
	}
}
