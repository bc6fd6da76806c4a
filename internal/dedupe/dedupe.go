// Package dedupe implements the request_seen dedupe map and per-class rate
// buckets shared by the router (C4) and each execution agent (C5), per
// spec §3 ("request_seen entries are retained 10 minutes") and §4.4 step 4
// (fixed per-class caps, one-minute GC windows). The per-class window
// counter is adapted from the teacher's internal/middleware.RateLimiter
// (internal/middleware/rate_limiter.go); unlike that limiter there is no
// read-locked fast path: SeenRecently and Allow each run their whole
// check-and-update under the write lock.
package dedupe

import (
	"sync"
	"time"
)

// Window is the dedupe retention period for request_id replay detection.
const Window = 10 * time.Minute

// DefaultRateLimit is applied to any action class not named in the cap
// table (§4.4: "default 20").
const DefaultRateLimit = 20

// classLimits are the fixed per-minute caps from §4.4.
var classLimits = map[string]int{
	"panic":    5,
	"snapshot": 30,
	"maint":    20,
	"scan":     6,
	"build":    3,
	"ritual":   10,
}

// ClassLimit returns the per-minute cap for a capability class.
func ClassLimit(class string) int {
	if n, ok := classLimits[class]; ok {
		return n
	}
	return DefaultRateLimit
}

// Tracker tracks recently-seen request IDs and per-class request rates for
// a single process (router or one agent). Each is independent — the
// router's dedupe/rate state and an agent's are never shared, per §5.
type Tracker struct {
	mu      sync.RWMutex
	seen    map[string]time.Time // request_id -> first-seen time
	windows map[string]*rateWindow
	stopCh  chan struct{}
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewTracker creates a Tracker and starts its background GC sweeper.
func NewTracker() *Tracker {
	t := &Tracker{
		seen:    make(map[string]time.Time),
		windows: make(map[string]*rateWindow),
		stopCh:  make(chan struct{}),
	}
	go t.gcLoop()
	return t
}

// SeenRecently reports whether requestID was already recorded within
// Window, and records it if not (atomic check-and-set under one lock).
func (t *Tracker) SeenRecently(requestID string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, ok := t.seen[requestID]; ok && now.Sub(ts) <= Window {
		return true
	}
	t.seen[requestID] = now
	return false
}

// Allow checks and increments the per-minute counter for class, returning
// false once the class's cap (ClassLimit) is exceeded within the current
// one-minute window. Every path mutates shared rateWindow state, so the
// whole check-and-increment runs under the single write lock — a read
// lock would let concurrent callers race on the same counter.
func (t *Tracker) Allow(class string) bool {
	now := time.Now()
	limit := ClassLimit(class)

	t.mu.Lock()
	defer t.mu.Unlock()

	w, exists := t.windows[class]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= limit
	}

	t.windows[class] = &rateWindow{count: 1, windowStart: now}
	return true
}

// gcLoop sweeps expired dedupe entries and rate windows every minute.
func (t *Tracker) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.gc()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) gc() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ts := range t.seen {
		if now.Sub(ts) > Window {
			delete(t.seen, id)
		}
	}
	for class, w := range t.windows {
		if now.Sub(w.windowStart) > 2*time.Minute {
			delete(t.windows, class)
		}
	}
}

// Stop halts the background GC sweeper.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

// Stats reports tracker size for health/metrics endpoints.
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{
		"seen_entries":  len(t.seen),
		"active_classes": len(t.windows),
	}
}
