package ble

import (
	"context"
	"sync"
	"time"
)

// mergeWindowDefault is the lookback for collapsing two devices that
// resolve under the same signal within a short window, per §4.6 step 7.
const mergeWindowDefault = 5 * time.Second

// SeenResult is the ble.device.seen payload for one processed observation.
type SeenResult struct {
	DeviceID   string
	Confidence int
	Candidate  bool
	FPStable   string
	FPAddr     string
}

// MergedResult is the ble.device.merged payload emitted when a merge
// window collapses two devices into one.
type MergedResult struct {
	From   string
	To     string
	Reason string
}

type mergeSignal struct {
	deviceID string
	seenAt   time.Time
}

// Registry processes BLE observations into device identities, serialized
// behind a single mutex per §5 ("the BLE registry uses a single-writer
// SQLite database; concurrent writers must externally serialize").
type Registry struct {
	mu          sync.Mutex
	store       *Store
	mergeWindow time.Duration
	recent      map[string]mergeSignal
}

// NewRegistry wraps an opened Store. mergeWindow of zero uses the spec
// default of 5 seconds.
func NewRegistry(store *Store, mergeWindow time.Duration) *Registry {
	if mergeWindow <= 0 {
		mergeWindow = mergeWindowDefault
	}
	return &Registry{
		store:       store,
		mergeWindow: mergeWindow,
		recent:      make(map[string]mergeSignal),
	}
}

// Process runs one observation through the full §4.6 pipeline: normalize,
// mask, fingerprint, candidate-score, attach-or-create, then checks the
// merge window. Returns the seen result always, and a merged result only
// when a merge occurred.
func (r *Registry) Process(ctx context.Context, obs Observation) (*SeenResult, *MergedResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	nowMs := obs.TsMs
	if nowMs == 0 {
		nowMs = now.UnixMilli()
	}

	n := normalize(obs)
	mfgMasked := maskManufacturerData(n.companyID, n.mfgDataBytes)
	fp := computeFingerprints(n, mfgMasked)

	candidates, err := r.collectCandidates(ctx, fp, n.companyID)
	if err != nil {
		return nil, nil, err
	}

	best, bestScore := Device{}, -1
	hasBest := false
	for _, c := range candidates {
		s := scoreCandidate(c, n, fp, mfgMasked)
		if s > bestScore {
			best, bestScore = c, s
			hasBest = true
		}
	}

	var device Device
	var isCandidate bool

	switch {
	case hasBest && bestScore >= confidentMatchThreshold:
		device = best
		isCandidate = false
	case hasBest && bestScore >= candidateMatchThreshold:
		device = best
		isCandidate = true
	default:
		confidence := confidenceNewUnstable
		if fp.stable != "" {
			confidence = confidenceNewStable
		}
		device = Device{
			DeviceID:  deviceID(fp.primary),
			PrimaryFP: fp.primary,
			CreatedTs: nowMs,
			Meta:      DeviceMeta{Confidence: confidence},
		}
	}

	r.applyObservation(&device, n, fp, mfgMasked, isCandidate, nowMs)

	if err := r.persist(ctx, device, n, fp, nowMs); err != nil {
		return nil, nil, err
	}

	seen := &SeenResult{
		DeviceID:   device.DeviceID,
		Confidence: device.Meta.Confidence,
		Candidate:  device.Meta.Candidate,
		FPStable:   fp.stable,
		FPAddr:     fp.addr,
	}

	merged, err := r.checkMergeWindow(ctx, n, fp, mfgMasked, device.DeviceID, now)
	if err != nil {
		return seen, nil, err
	}
	if merged != nil {
		seen.DeviceID = merged.To
	}

	return seen, merged, nil
}

func (r *Registry) collectCandidates(ctx context.Context, fp fingerprints, companyID string) ([]Device, error) {
	seen := make(map[string]struct{})
	var out []Device

	add := func(d *Device) {
		if d == nil {
			return
		}
		if _, ok := seen[d.DeviceID]; ok {
			return
		}
		seen[d.DeviceID] = struct{}{}
		out = append(out, *d)
	}

	if fp.stable != "" {
		d, ok, err := r.store.GetDeviceByFP(ctx, fp.stable)
		if err != nil {
			return nil, err
		}
		if ok {
			add(d)
		}
	}

	d, ok, err := r.store.GetDeviceByFP(ctx, fp.addr)
	if err != nil {
		return nil, err
	}
	if ok {
		add(d)
	}

	companyCandidates, err := r.store.CandidatesByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	for i := range companyCandidates {
		add(&companyCandidates[i])
	}

	return out, nil
}

// applyObservation folds one observation's normalized material into a
// device's meta, per §4.6 step 6.
func (r *Registry) applyObservation(d *Device, n normalized, fp fingerprints, mfgMasked string, isCandidate bool, nowMs int64) {
	d.LastSeenTs = nowMs
	d.Meta.Services = stringSetUnion(d.Meta.Services, n.services)
	if n.nameNorm != "" {
		d.Meta.NameNorm = n.nameNorm
	}
	if n.companyID != "" {
		d.Meta.CompanyID = n.companyID
	}
	if mfgMasked != "" {
		d.Meta.MfgMasked = mfgMasked
	}
	if n.addr != "" {
		d.Meta.AddrSet = stringSetUnion(d.Meta.AddrSet, []string{n.addr})
		if n.addrType == "public" {
			d.Meta.AddrPublicSet = stringSetUnion(d.Meta.AddrPublicSet, []string{n.addr})
		}
		d.Meta.LastAddr = n.addr
		d.Meta.LastAddrType = n.addrType
	}
	if fp.stable != "" {
		d.Meta.FPStable = fp.stable
		d.PrimaryFP = fp.stable
	}
	d.Meta.FPAddr = fp.addr
	d.Meta.Candidate = isCandidate
}

func (r *Registry) persist(ctx context.Context, d Device, n normalized, fp fingerprints, nowMs int64) error {
	if err := r.store.PutDevice(ctx, d); err != nil {
		return err
	}
	if fp.stable != "" {
		if err := r.store.MapFingerprint(ctx, fp.stable, d.DeviceID, "stable", nowMs); err != nil {
			return err
		}
	}
	if err := r.store.MapFingerprint(ctx, fp.addr, d.DeviceID, "addr", nowMs); err != nil {
		return err
	}
	return r.store.PutAlias(ctx, d.DeviceID, n.addr, n.nameNorm, n.companyID, nowMs)
}

// checkMergeWindow implements §4.6 step 7: a short-lived signal map keyed
// by (stable:fp_stable) and (mfg:company_id:mfg_masked). Two observations
// within the merge window mapping to different devices under the same
// key are merged, winner = older created_ts.
func (r *Registry) checkMergeWindow(ctx context.Context, n normalized, fp fingerprints, mfgMasked string, deviceID string, now time.Time) (*MergedResult, error) {
	keys := mergeKeys(fp, n.companyID, mfgMasked)
	var merged *MergedResult

	for _, key := range keys {
		prev, ok := r.recent[key]
		r.recent[key] = mergeSignal{deviceID: deviceID, seenAt: now}

		if !ok || now.Sub(prev.seenAt) > r.mergeWindow || prev.deviceID == deviceID {
			continue
		}

		m, err := r.mergeDevices(ctx, prev.deviceID, deviceID, "merge_window:"+key)
		if err != nil {
			return merged, err
		}
		if m != nil {
			merged = m
			r.recent[key] = mergeSignal{deviceID: m.To, seenAt: now}
		}
	}

	return merged, nil
}

func mergeKeys(fp fingerprints, companyID, mfgMasked string) []string {
	var keys []string
	if fp.stable != "" {
		keys = append(keys, "stable:"+fp.stable)
	}
	if companyID != "" {
		keys = append(keys, "mfg:"+companyID+":"+mfgMasked)
	}
	return keys
}

// mergeDevices merges deviceA and deviceB, winner being whichever has the
// smaller created_ts, per the testable property in §8 ("merge(A,B) is
// commutative on outcome: the winner is the device with smaller
// created_ts").
func (r *Registry) mergeDevices(ctx context.Context, deviceA, deviceB, reason string) (*MergedResult, error) {
	if deviceA == deviceB {
		return nil, nil
	}

	a, okA, err := r.store.GetDevice(ctx, deviceA)
	if err != nil {
		return nil, err
	}
	b, okB, err := r.store.GetDevice(ctx, deviceB)
	if err != nil {
		return nil, err
	}
	if !okA || !okB {
		return nil, nil
	}

	winner, loser := a, b
	if b.CreatedTs < a.CreatedTs {
		winner, loser = b, a
	}

	winner.Meta.Services = stringSetUnion(winner.Meta.Services, loser.Meta.Services)
	winner.Meta.AddrSet = stringSetUnion(winner.Meta.AddrSet, loser.Meta.AddrSet)
	winner.Meta.AddrPublicSet = stringSetUnion(winner.Meta.AddrPublicSet, loser.Meta.AddrPublicSet)
	winner.Meta.Scanners = stringSetUnion(winner.Meta.Scanners, loser.Meta.Scanners)
	if loser.LastSeenTs > winner.LastSeenTs {
		winner.LastSeenTs = loser.LastSeenTs
		winner.Meta.LastAddr = loser.Meta.LastAddr
		winner.Meta.LastAddrType = loser.Meta.LastAddrType
	}

	if err := r.store.PutDevice(ctx, *winner); err != nil {
		return nil, err
	}
	if err := r.store.RepointFingerprints(ctx, loser.DeviceID, winner.DeviceID); err != nil {
		return nil, err
	}
	if err := r.store.DeleteDevice(ctx, loser.DeviceID); err != nil {
		return nil, err
	}

	return &MergedResult{From: loser.DeviceID, To: winner.DeviceID, Reason: reason}, nil
}
