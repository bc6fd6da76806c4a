// Package envelope defines the Event envelope that every other component
// reads or writes: the record shape for the append-only vault (C1/C2),
// the payload carried over the messaging bus (C4/C5), and the unit C7
// reassembles into traces.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/labctl/fieldplane/internal/errs"
)

// Envelope is the immutable event record described in spec §3.
// Type, Src, TsMs, and Data are all required; once constructed via New
// or Parse, none of its fields are mutated in place.
type Envelope struct {
	Type string                 `json:"type"`
	Src  string                 `json:"src"`
	TsMs int64                  `json:"ts_ms"`
	Data map[string]interface{} `json:"data"`
}

// New builds a validated envelope with the producer clock defaulted to
// the current time if tsMs is zero.
func New(typ, src string, tsMs int64, data map[string]interface{}) (*Envelope, error) {
	if tsMs == 0 {
		tsMs = time.Now().UnixMilli()
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	e := &Envelope{Type: typ, Src: src, TsMs: tsMs, Data: data}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate enforces §3's invariant: type, src, ts_ms, data are all required.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return errs.New(errs.BadRequest, "missing type")
	}
	if e.Src == "" {
		return errs.New(errs.BadRequest, "missing src")
	}
	if e.TsMs == 0 {
		return errs.New(errs.BadRequest, "missing ts_ms")
	}
	if e.Data == nil {
		return errs.New(errs.BadRequest, "missing data")
	}
	return nil
}

// JSON serializes the envelope as a single NDJSON line (no trailing newline).
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a single NDJSON line into an Envelope without validating it —
// callers that need strict records (writers) should call Validate; readers
// (C7) tolerate malformed/partial records and count them instead of failing.
func Parse(line []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Day returns the UTC day partition ("YYYY-MM-DD") this envelope belongs to.
func (e *Envelope) Day() string {
	return time.UnixMilli(e.TsMs).UTC().Format("2006-01-02")
}

// RequestID extracts a correlation id from an envelope's data, checking
// data.request_id, data.requestId, and data.request.request_id in that
// order. A top-level request_id is not checked: Envelope has no such
// field, so Parse drops it.
func (e *Envelope) RequestID() string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data["request_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := e.Data["requestId"].(string); ok && v != "" {
		return v
	}
	if req, ok := e.Data["request"].(map[string]interface{}); ok {
		if v, ok := req["request_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
