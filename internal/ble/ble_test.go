package ble

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalizesFields(t *testing.T) {
	n := normalize(Observation{
		Addr:     "AA:BB:CC:DD:EE:FF",
		AddrType: "PUBLIC",
		Services: []string{"180D", "180d", " 180F "},
		Name:     "Polar H10 (123)",
	})

	assert.Equal(t, "aa:bb:cc:dd:ee:ff", n.addr)
	assert.Equal(t, "public", n.addrType)
	assert.Equal(t, []string{"180d", "180f"}, n.services)
	assert.Equal(t, "polar h10", n.nameNorm)
}

func TestNormalizeUnknownAddrType(t *testing.T) {
	n := normalize(Observation{AddrType: "weird"})
	assert.Equal(t, "unknown", n.addrType)
}

func TestMaskManufacturerDataKnownCompany(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	masked := maskManufacturerData("004c", data)
	assert.Equal(t, "0102030405060000", masked)
}

func TestMaskManufacturerDataUnknownCompany(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6}
	masked := maskManufacturerData("ffff", data)
	assert.Equal(t, "010203040000", masked)
}

func TestComputeFingerprintsStableRequiresMaterial(t *testing.T) {
	n := normalize(Observation{Addr: "aa:bb:cc:dd:ee:ff", AddrType: "random"})
	fp := computeFingerprints(n, "")
	assert.Empty(t, fp.stable)
	assert.NotEmpty(t, fp.addr)
	assert.Equal(t, fp.addr, fp.primary)
}

func TestComputeFingerprintsStableWhenMaterialPresent(t *testing.T) {
	n := normalize(Observation{Addr: "aa:bb:cc:dd:ee:ff", AddrType: "random", Name: "Sensor One"})
	fp := computeFingerprints(n, "")
	assert.NotEmpty(t, fp.stable)
	assert.Equal(t, fp.stable, fp.primary)
}

func TestDeviceIDIsStableAndPrefixed(t *testing.T) {
	id1 := deviceID("abc123")
	id2 := deviceID("abc123")
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > len("ble:"))
	assert.Equal(t, "ble:", id1[:4])
}

func TestRegistrySameStableMaterialResolvesSameDevice(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := NewRegistry(store, 0)
	ctx := context.Background()

	obs := Observation{
		Addr:     "aa:bb:cc:dd:ee:01",
		AddrType: "random",
		Services: []string{"180d"},
		Name:     "Polar H10",
		TsMs:     1000,
	}

	first, _, err := reg.Process(ctx, obs)
	require.NoError(t, err)

	obs2 := obs
	obs2.Addr = "aa:bb:cc:dd:ee:02" // different address, same stable material
	obs2.TsMs = 100000

	second, _, err := reg.Process(ctx, obs2)
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)
}

func TestRegistryCreatesNewDeviceWhenNoMatch(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := NewRegistry(store, 0)
	ctx := context.Background()

	a, _, err := reg.Process(ctx, Observation{Addr: "11:11:11:11:11:11", AddrType: "random", Name: "Device A", TsMs: 1})
	require.NoError(t, err)
	b, _, err := reg.Process(ctx, Observation{Addr: "22:22:22:22:22:22", AddrType: "random", Name: "Device B", TsMs: 2})
	require.NoError(t, err)

	assert.NotEqual(t, a.DeviceID, b.DeviceID)
}

func TestRegistryMergeWindowCollapsesDevices(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := NewRegistry(store, 0)
	ctx := context.Background()

	// Non-overlapping services (overlapRatio==0 costs -40) keep the second
	// observation from scoring as a direct candidate match against the
	// first device, so each resolves to its own device on first sight.
	// They share the same mfg company+mask, though, so the merge window
	// signal still folds them.
	first, _, err := reg.Process(ctx, Observation{
		Addr: "aa:aa:aa:aa:aa:aa", AddrType: "random",
		Services:     []string{"180d"},
		MfgCompanyID: "004c", MfgDataRaw: "0102030405060708", TsMs: 1,
	})
	require.NoError(t, err)

	second, merged, err := reg.Process(ctx, Observation{
		Addr: "bb:bb:bb:bb:bb:bb", AddrType: "random",
		Services:     []string{"180f"},
		MfgCompanyID: "004c", MfgDataRaw: "0102030405060708", TsMs: 2,
	})
	require.NoError(t, err)

	require.NotNil(t, merged, "same mfg company+mask within the merge window must collapse the two devices")
	assert.NotEqual(t, first.DeviceID, merged.From, "the two observations must have resolved to distinct devices before the merge")
	assert.Equal(t, first.DeviceID, merged.To)
	assert.Equal(t, second.DeviceID, merged.To)
}

func TestOverlapRatio(t *testing.T) {
	assert.Equal(t, 1.0, overlapRatio([]string{"a", "b"}, []string{"a", "b", "c"}))
	assert.Equal(t, 0.0, overlapRatio([]string{"a"}, []string{"b"}))
	assert.Equal(t, 0.0, overlapRatio(nil, []string{"a"}))
}
