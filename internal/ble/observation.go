// Package ble implements the BLE Identity Registry (C6): fingerprint-based
// device identity over a stream of ble.observation events, per spec §4.6.
// Persistence follows the teacher's sql.Open("sqlite", dbPath) pattern from
// internal/reputation/wallet.go, generalized from a trust-score cache to
// the device/fingerprint/alias schema the spec calls for.
package ble

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Observation is one raw ble.observation event's data payload.
type Observation struct {
	Addr         string   `json:"addr"`
	AddrType     string   `json:"addr_type"`
	Services     []string `json:"services"`
	Name         string   `json:"name"`
	MfgCompanyID string   `json:"mfg_company_id"`
	MfgDataRaw   string   `json:"mfg_data_raw"` // hex-encoded
	RSSI         int      `json:"rssi"`
	TxPower      int      `json:"tx_power"`
	ScannerID    string   `json:"scanner_id"`
	TsMs         int64    `json:"ts_ms"`
}

// normalized holds an Observation after §4.6 step 1's normalization.
type normalized struct {
	addr         string
	addrType     string
	services     []string
	nameNorm     string
	companyID    string
	mfgDataBytes []byte
}

var trailingHexSuffix = regexp.MustCompile(`[-_ ][0-9a-fA-F]{4,}$`)
var trailingParenCount = regexp.MustCompile(`\s*\(\d+\)$`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func normalize(o Observation) normalized {
	n := normalized{
		addr:      strings.ToLower(strings.TrimSpace(o.Addr)),
		addrType:  normalizeAddrType(o.AddrType),
		companyID: strings.ToLower(strings.TrimSpace(o.MfgCompanyID)),
	}

	seen := make(map[string]struct{}, len(o.Services))
	services := make([]string, 0, len(o.Services))
	for _, s := range o.Services {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}
	sort.Strings(services)
	n.services = services

	name := strings.ToLower(strings.TrimSpace(o.Name))
	name = trailingParenCount.ReplaceAllString(name, "")
	name = trailingHexSuffix.ReplaceAllString(name, "")
	name = whitespaceRun.ReplaceAllString(name, " ")
	n.nameNorm = strings.TrimSpace(name)

	if raw := strings.TrimSpace(o.MfgDataRaw); raw != "" {
		if b, err := hex.DecodeString(raw); err == nil {
			n.mfgDataBytes = b
		}
	}

	return n
}

// ObservationFromData decodes an envelope's free-form data object into an
// Observation, for the vault ingest service (C2), which only ever sees
// ble.observation[.*] payloads as map[string]interface{}. src/tsMs back
// the observation's scanner_id/ts_ms when the payload omits them.
func ObservationFromData(src string, tsMs int64, data map[string]interface{}) (Observation, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Observation{}, fmt.Errorf("ble: marshal observation data: %w", err)
	}
	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Observation{}, fmt.Errorf("ble: decode observation data: %w", err)
	}
	if obs.ScannerID == "" {
		obs.ScannerID = src
	}
	if obs.TsMs == 0 {
		obs.TsMs = tsMs
	}
	if strings.TrimSpace(obs.Addr) == "" {
		return Observation{}, fmt.Errorf("ble: observation missing addr")
	}
	return obs, nil
}

func normalizeAddrType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "public":
		return "public"
	case "random":
		return "random"
	default:
		return "unknown"
	}
}
