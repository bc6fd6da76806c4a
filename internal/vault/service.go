// Package vault implements the Vault Ingest Service (C2): the HTTP sink
// that validates envelopes, appends them to the event store (C1), and
// derives BLE identity events from observations via the registry (C6),
// per spec §4.2. The handler-factory + json.NewDecoder/Encoder shape
// matches the teacher's internal/handlers package (e.g.
// internal/handlers/agents.go); the "append succeeds, derived events are
// best-effort" split is new to this domain but follows the teacher's
// general pattern of never rolling back a primary write for a secondary
// side effect (internal/handlers/evidence.go's best-effort webhook fan-out).
package vault

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/labctl/fieldplane/internal/ble"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
)

// observationType matches ble.observation and any dotted suffix
// (ble.observation.raw, ble.observation.scan, ...), per §4.2: "if type
// matches ble.observation[.*]".
var observationType = regexp.MustCompile(`^ble\.observation(\.[a-zA-Z0-9_]+)?$`)

// IngestResult is returned to the caller on a successful POST /v1/ingest.
type IngestResult struct {
	StoredPath   string `json:"stored_path"`
	DerivedCount int    `json:"derived_count"`
}

// Service wires the event store and (optionally) the BLE registry behind
// the ingest HTTP surface.
type Service struct {
	Store *eventstore.Store
	BLE   *ble.Registry // nil when BLE activation failed at startup

	// BLEInitError records why the registry failed to activate, surfaced
	// on GET /health per §4.2.
	BLEInitError string
}

// Ingest validates env, appends it to the store, and — if it is a BLE
// observation — derives ble.device.seen (and, on a merge, ble.device.merged)
// events via the registry. Per §4.2's failure semantics: an append failure
// of the original envelope surfaces as an error and nothing is stored;
// derived-event failures are logged and do not roll back the original.
func (s *Service) Ingest(ctx context.Context, env *envelope.Envelope) (*IngestResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	storedPath, err := s.Store.Append(env)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{StoredPath: storedPath}

	if !observationType.MatchString(env.Type) {
		return result, nil
	}
	if s.BLE == nil {
		return result, nil
	}

	obs, err := ble.ObservationFromData(env.Src, env.TsMs, env.Data)
	if err != nil {
		slog.Warn("vault: could not parse ble observation, skipping derivation", "src", env.Src, "error", err)
		return result, nil
	}

	seen, merged, err := s.BLE.Process(ctx, obs)
	if err != nil {
		slog.Warn("vault: ble registry processing failed, derivation skipped", "src", env.Src, "error", err)
		return result, nil
	}

	seenEnv, err := envelope.New("ble.device.seen", env.Src, time.Now().UnixMilli(), map[string]interface{}{
		"device_id":  seen.DeviceID,
		"confidence": seen.Confidence,
		"candidate":  seen.Candidate,
		"fp_stable":  seen.FPStable,
		"fp_addr":    seen.FPAddr,
	})
	if err != nil {
		slog.Warn("vault: could not build ble.device.seen envelope", "error", err)
		return result, nil
	}
	if _, err := s.Store.Append(seenEnv); err != nil {
		slog.Warn("vault: failed to append derived ble.device.seen", "error", err)
	} else {
		result.DerivedCount++
	}

	if merged != nil {
		mergedEnv, err := envelope.New("ble.device.merged", env.Src, time.Now().UnixMilli(), map[string]interface{}{
			"from":   merged.From,
			"to":     merged.To,
			"reason": merged.Reason,
		})
		if err != nil {
			slog.Warn("vault: could not build ble.device.merged envelope", "error", err)
			return result, nil
		}
		if _, err := s.Store.Append(mergedEnv); err != nil {
			slog.Warn("vault: failed to append derived ble.device.merged", "error", err)
		} else {
			result.DerivedCount++
		}
	}

	return result, nil
}

// HealthReport is the GET /health body per §4.2: liveness, store root,
// and BLE registry activation (including an init-error field).
type HealthReport struct {
	OK           bool   `json:"ok"`
	StoreRoot    string `json:"store_root"`
	BLEActive    bool   `json:"ble_active"`
	BLEInitError string `json:"ble_init_error,omitempty"`
}

func (s *Service) Health() HealthReport {
	return HealthReport{
		OK:           true,
		StoreRoot:    s.Store.Root(),
		BLEActive:    s.BLE != nil,
		BLEInitError: s.BLEInitError,
	}
}
