package ble

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the single-writer SQLite persistence layer for the BLE
// registry, per spec §4.6's three-table schema. Writers must be
// externally serialized (§5: "concurrent writers must externally
// serialize via a file lock and retry on busy") — Registry holds the
// single in-process mutex that guarantees this for a single process.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS ble_devices (
	device_id TEXT PRIMARY KEY,
	primary_fp TEXT NOT NULL,
	created_ts INTEGER NOT NULL,
	last_seen_ts INTEGER NOT NULL,
	meta_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ble_fps (
	fp TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ble_aliases (
	device_id TEXT PRIMARY KEY,
	addr_last TEXT,
	name_last TEXT,
	company_id_last TEXT,
	updated_ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ble_fps_device_id ON ble_fps(device_id);
CREATE INDEX IF NOT EXISTS idx_ble_aliases_addr_last ON ble_aliases(addr_last);
`

// Open opens (and migrates) the registry database at path. Mirrors the
// teacher's sql.Open("sqlite", dbPath) call in
// internal/reputation/wallet.go, generalized with an explicit schema
// migration the teacher's legacy helper left as a TODO.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ble: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline, §5

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ble: migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetDeviceByFP looks up the device a fingerprint currently maps to.
func (s *Store) GetDeviceByFP(ctx context.Context, fp string) (*Device, bool, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `SELECT device_id FROM ble_fps WHERE fp = ?`, fp).Scan(&deviceID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ble: lookup fp: %w", err)
	}
	return s.GetDevice(ctx, deviceID)
}

// GetDevice loads a device by its ID.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, bool, error) {
	var d Device
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, primary_fp, created_ts, last_seen_ts, meta_json FROM ble_devices WHERE device_id = ?`,
		deviceID,
	).Scan(&d.DeviceID, &d.PrimaryFP, &d.CreatedTs, &d.LastSeenTs, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ble: load device: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Meta); err != nil {
		return nil, false, fmt.Errorf("ble: decode meta: %w", err)
	}
	return &d, true, nil
}

// CandidatesByCompany returns devices whose last-known company_id alias
// matches companyID, used as the third candidate-selection index
// alongside fp_stable/fp_addr lookups, per §4.6 step 4.
func (s *Store) CandidatesByCompany(ctx context.Context, companyID string) ([]Device, error) {
	if companyID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.device_id, d.primary_fp, d.created_ts, d.last_seen_ts, d.meta_json
		 FROM ble_devices d JOIN ble_aliases a ON a.device_id = d.device_id
		 WHERE a.company_id_last = ?`, companyID)
	if err != nil {
		return nil, fmt.Errorf("ble: candidates by company: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var metaJSON string
		if err := rows.Scan(&d.DeviceID, &d.PrimaryFP, &d.CreatedTs, &d.LastSeenTs, &metaJSON); err != nil {
			return nil, fmt.Errorf("ble: scan candidate: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &d.Meta); err != nil {
			return nil, fmt.Errorf("ble: decode candidate meta: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDevice inserts or replaces a device row.
func (s *Store) PutDevice(ctx context.Context, d Device) error {
	metaJSON, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("ble: encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ble_devices (device_id, primary_fp, created_ts, last_seen_ts, meta_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   primary_fp = excluded.primary_fp,
		   last_seen_ts = excluded.last_seen_ts,
		   meta_json = excluded.meta_json`,
		d.DeviceID, d.PrimaryFP, d.CreatedTs, d.LastSeenTs, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("ble: put device: %w", err)
	}
	return nil
}

// PutAlias upserts the denormalized alias row used for company-id
// candidate lookups and operator-facing "last seen as" display.
func (s *Store) PutAlias(ctx context.Context, deviceID, addrLast, nameLast, companyIDLast string, updatedTs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ble_aliases (device_id, addr_last, name_last, company_id_last, updated_ts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   addr_last = excluded.addr_last,
		   name_last = excluded.name_last,
		   company_id_last = excluded.company_id_last,
		   updated_ts = excluded.updated_ts`,
		deviceID, addrLast, nameLast, companyIDLast, updatedTs,
	)
	if err != nil {
		return fmt.Errorf("ble: put alias: %w", err)
	}
	return nil
}

// MapFingerprint records that fp maps to deviceID (kind is "stable" or "addr").
func (s *Store) MapFingerprint(ctx context.Context, fp, deviceID, kind string, createdTs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ble_fps (fp, device_id, kind, created_ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fp) DO UPDATE SET device_id = excluded.device_id, kind = excluded.kind`,
		fp, deviceID, kind, createdTs,
	)
	if err != nil {
		return fmt.Errorf("ble: map fingerprint: %w", err)
	}
	return nil
}

// RepointFingerprints rewrites every fingerprint row pointing at loser to
// point at winner instead, per §4.6 step 7's merge semantics.
func (s *Store) RepointFingerprints(ctx context.Context, loser, winner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ble_fps SET device_id = ? WHERE device_id = ?`, winner, loser)
	if err != nil {
		return fmt.Errorf("ble: repoint fingerprints: %w", err)
	}
	return nil
}

// DeleteDevice removes a device and its alias row (used for the merge
// loser). Fingerprint rows must already have been repointed.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ble_devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("ble: delete device: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ble_aliases WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("ble: delete alias: %w", err)
	}
	return nil
}
