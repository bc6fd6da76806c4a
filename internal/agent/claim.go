// node.claim persistence: an atomic write via temp file + rename, per
// §4.5 ("persist a claim record to a local JSON file (atomic write via
// temp + rename)") — the same pattern the teacher uses for its claim-like
// durable state writes (os.CreateTemp in the same directory, then
// os.Rename, so a crash mid-write never leaves a partial file visible).
package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ClaimRecord is the persisted node.claim payload.
type ClaimRecord struct {
	NodeID     string `json:"node_id"`
	DeviceID   string `json:"device_id"`
	Role       string `json:"role"`
	ClaimedBy  string `json:"claimed_by"`
	ClaimedAtMs int64 `json:"claimed_at_ms"`
}

func (a *Agent) persistClaim(record ClaimRecord) error {
	if a.ClaimDBPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(a.ClaimDBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".claim-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, a.ClaimDBPath)
}

func (a *Agent) loadClaim() (*ClaimRecord, error) {
	data, err := os.ReadFile(a.ClaimDBPath)
	if err != nil {
		return nil, err
	}
	var rec ClaimRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
