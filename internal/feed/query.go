// Query logic for the Event Feed Reader (C7): Events, Trace, and Nodes
// read-side aggregations over a Source, per §4.7. Readiness is cached and
// refreshed on a timer rather than recomputed per request, matching the
// teacher's periodic health-check pattern in cmd/api's readiness probe.
package feed

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labctl/fieldplane/internal/envelope"
)

const (
	maxWindow       = 24 * time.Hour
	maxTailPerQuery = 8000
	maxPerFile      = 400
	maxResults      = 500
)

// Reader is the C7 query engine: one Source (local or SSH-backed) plus
// the caps and readiness cache described in §4.7.
type Reader struct {
	Source Source

	mu          sync.Mutex
	readyOK     bool
	readyErr    string
	lastChecked time.Time
}

// NewReader wires a Source behind the shared cap/readiness logic.
func NewReader(src Source) *Reader {
	return &Reader{Source: src}
}

// EventsQuery mirrors GET /events's filters.
type EventsQuery struct {
	Limit      int
	SinceMs    int64
	TypePrefix string
	Src        string
}

// EventsResult carries the malformed-line count alongside the events, so
// handlers can surface malformed_lines_skipped per §4.7.
type EventsResult struct {
	Events                []*envelope.Envelope `json:"events"`
	MalformedLinesSkipped int                   `json:"malformed_lines_skipped"`
}

// Events returns at most 500 events newest-first, bounded by a 24h window,
// 8000 tail lines scanned per query, and 400 lines per day file, per §4.7.
func (r *Reader) Events(ctx context.Context, q EventsQuery) (*EventsResult, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}

	since := q.SinceMs
	windowFloor := time.Now().Add(-maxWindow).UnixMilli()
	if since < windowFloor {
		since = windowFloor
	}

	days, err := r.Source.Days(ctx)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	out := &EventsResult{}
	scanned := 0
	for _, day := range days {
		if scanned >= maxTailPerQuery || len(out.Events) >= limit {
			break
		}
		res, err := r.Source.ReadDay(ctx, day, maxPerFile)
		if err != nil {
			continue
		}
		out.MalformedLinesSkipped += res.MalformedLinesSkipped

		events := envelopesFromResult(res)
		sort.Slice(events, func(i, j int) bool { return events[i].TsMs > events[j].TsMs })

		for _, ev := range events {
			scanned++
			if scanned > maxTailPerQuery {
				break
			}
			if ev.TsMs < since {
				continue
			}
			if q.TypePrefix != "" && !strings.HasPrefix(ev.Type, q.TypePrefix) {
				continue
			}
			if q.Src != "" && ev.Src != q.Src {
				continue
			}
			out.Events = append(out.Events, ev)
			if len(out.Events) >= limit {
				break
			}
		}
	}

	sort.Slice(out.Events, func(i, j int) bool { return out.Events[i].TsMs > out.Events[j].TsMs })
	if len(out.Events) > limit {
		out.Events = out.Events[:limit]
	}
	return out, nil
}

// TraceQuery mirrors GET /trace's filters.
type TraceQuery struct {
	RequestID string
	SinceMs   int64
	Limit     int
	ScanLimit int
}

// Trace scans up to ScanLimit recent events and returns those whose
// request correlation field matches RequestID: data.request_id,
// data.requestId, or data.request.request_id. A top-level request_id is
// not matched (Envelope does not keep one). The scan goes through Events,
// which returns at most 500 events, so a ScanLimit above 500 scans 500.
func (r *Reader) Trace(ctx context.Context, q TraceQuery) (*EventsResult, error) {
	scanLimit := q.ScanLimit
	if scanLimit <= 0 || scanLimit > maxTailPerQuery {
		scanLimit = maxTailPerQuery
	}
	limit := q.Limit
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}

	all, err := r.Events(ctx, EventsQuery{Limit: scanLimit, SinceMs: q.SinceMs})
	if err != nil {
		return nil, err
	}

	out := &EventsResult{MalformedLinesSkipped: all.MalformedLinesSkipped}
	for _, ev := range all.Events {
		if requestIDMatches(ev, q.RequestID) {
			out.Events = append(out.Events, ev)
			if len(out.Events) >= limit {
				break
			}
		}
	}
	return out, nil
}

func requestIDMatches(ev *envelope.Envelope, want string) bool {
	if want == "" {
		return false
	}
	if rid, ok := ev.Data["request_id"].(string); ok && rid == want {
		return true
	}
	if rid, ok := ev.Data["requestId"].(string); ok && rid == want {
		return true
	}
	if reqObj, ok := ev.Data["request"].(map[string]interface{}); ok {
		if rid, ok := reqObj["request_id"].(string); ok && rid == want {
			return true
		}
	}
	return false
}

// NodeSummary is one entry of GET /nodes's per-source aggregation.
type NodeSummary struct {
	Src        string           `json:"src"`
	LastSeenMs int64            `json:"last_seen_ms"`
	Counts     map[string]int   `json:"counts"` // keyed by type's first dotted segment
}

// Nodes aggregates, per source, the last-seen timestamp and event counts
// grouped by the event type's first dotted segment, over the trailing
// windowSec seconds.
func (r *Reader) Nodes(ctx context.Context, windowSec int) ([]NodeSummary, error) {
	if windowSec <= 0 {
		windowSec = 300
	}
	window := time.Duration(windowSec) * time.Second
	if window > maxWindow {
		window = maxWindow
	}
	since := time.Now().Add(-window).UnixMilli()

	res, err := r.Events(ctx, EventsQuery{Limit: maxResults, SinceMs: since})
	if err != nil {
		return nil, err
	}

	bySrc := map[string]*NodeSummary{}
	for _, ev := range res.Events {
		summary, ok := bySrc[ev.Src]
		if !ok {
			summary = &NodeSummary{Src: ev.Src, Counts: map[string]int{}}
			bySrc[ev.Src] = summary
		}
		if ev.TsMs > summary.LastSeenMs {
			summary.LastSeenMs = ev.TsMs
		}
		summary.Counts[firstSegment(ev.Type)]++
	}

	out := make([]NodeSummary, 0, len(bySrc))
	for _, summary := range bySrc {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Src < out[j].Src })
	return out, nil
}

func firstSegment(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// Ready reports the cached result of the last periodic listing check,
// per §4.7's "readiness is cached and refreshed periodically."
func (r *Reader) Ready() (ok bool, lastChecked time.Time, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyOK, r.lastChecked, r.readyErr
}

// RunReadinessLoop refreshes the cached readiness state every interval
// until ctx is cancelled, by listing the event-day directory.
func (r *Reader) RunReadinessLoop(ctx context.Context, interval time.Duration) {
	r.refreshReadiness(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshReadiness(ctx)
		}
	}
}

func (r *Reader) refreshReadiness(ctx context.Context) {
	_, err := r.Source.Days(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastChecked = time.Now()
	if err != nil {
		r.readyOK = false
		r.readyErr = err.Error()
		return
	}
	r.readyOK = true
	r.readyErr = ""
}
