package ble

import "encoding/hex"

// companyMasks defines, per known manufacturer company ID, which leading
// manufacturer-data bytes are structurally stable and should survive
// masking, per spec §4.6 step 2 ("Apple 004c: keep bytes 0-5; Microsoft
// 0006: keep bytes 0-3").
var companyMasks = map[string]int{
	"004c": 6, // Apple: keep bytes 0-5
	"0006": 4, // Microsoft: keep bytes 0-3
}

// maskManufacturerData zeroes volatile bytes beyond the known-stable
// prefix for companyID, or keeps min(4, len) bytes for unknown companies.
// Returns the masked bytes hex-encoded.
func maskManufacturerData(companyID string, data []byte) string {
	if len(data) == 0 {
		return ""
	}

	keep, known := companyMasks[companyID]
	if !known {
		keep = 4
	}
	if keep > len(data) {
		keep = len(data)
	}

	masked := make([]byte, len(data))
	copy(masked, data[:keep])
	// bytes beyond keep are already zero-valued in masked.

	return hex.EncodeToString(masked)
}
