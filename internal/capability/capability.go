// Package capability loads and hot-reloads the capability descriptor that
// gates what an execution agent (C5) is allowed to do, per spec §3/§4.5.
// The live descriptor is held behind an atomic.Pointer and swapped whole
// on reload — never mutated in place — the same RCU-style pattern the
// teacher uses for key rotation in internal/security.TokenBroker.RotateKey
// (internal/security/token_broker.go), generalized from a single secret
// swap to a whole-descriptor swap.
package capability

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
)

// Class names recognized by §2's capability classes.
const (
	ClassPanic    = "panic"
	ClassSnapshot = "snapshot"
	ClassMaint    = "maint"
	ClassScan     = "scan"
	ClassBuild    = "build"
	ClassRitual   = "ritual"
)

var allClasses = []string{ClassPanic, ClassSnapshot, ClassMaint, ClassScan, ClassBuild, ClassRitual}

// allScopes lists every request scope (§3: "scope in {all, node, tier1,
// mac, pi}"), used to populate the fail-closed default's one enabled
// class so it isn't enabled-but-scopeless.
var allScopes = []string{"all", "node", "tier1", "mac", "pi"}

// ClassCapability describes what one capability class may do.
type ClassCapability struct {
	Enabled bool     `json:"enabled"`
	Scopes  []string `json:"scopes"`
	Tools   []string `json:"tools"`
}

// Descriptor is the capability matrix loaded from CAPABILITIES_PATH.
type Descriptor struct {
	NodeID       string                     `json:"node_id"`
	Roles        []string                   `json:"roles"`
	Capabilities map[string]ClassCapability `json:"capabilities"`
}

// FailClosedDefault returns the descriptor used whenever the capability
// file is missing or malformed: every class disabled except snapshot,
// per §3 ("Missing or malformed file => all classes except snapshot
// disabled (fail-closed default)").
func FailClosedDefault(nodeID string) *Descriptor {
	d := &Descriptor{
		NodeID:       nodeID,
		Capabilities: make(map[string]ClassCapability),
	}
	for _, c := range allClasses {
		cap := ClassCapability{Enabled: c == ClassSnapshot}
		if cap.Enabled {
			cap.Scopes = append([]string(nil), allScopes...)
		}
		d.Capabilities[c] = cap
	}
	return d
}

// Enabled reports whether class is enabled in this descriptor.
func (d *Descriptor) Enabled(class string) bool {
	if d == nil {
		return false
	}
	c, ok := d.Capabilities[class]
	return ok && c.Enabled
}

// ScopeAllowed reports whether scope is permitted for class. An empty
// scopes list is treated as "no scopes permitted" (explicit allowlist).
func (d *Descriptor) ScopeAllowed(class, scope string) bool {
	if d == nil {
		return false
	}
	c, ok := d.Capabilities[class]
	if !ok {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether toolAlias is permitted for class. Per §4.5:
// "the tool alias ... must be in capabilities[class].tools when that list
// is non-empty" — an empty tools list means no tool restriction.
func (d *Descriptor) ToolAllowed(class, toolAlias string) bool {
	if d == nil {
		return false
	}
	c, ok := d.Capabilities[class]
	if !ok {
		return false
	}
	if len(c.Tools) == 0 {
		return true
	}
	for _, t := range c.Tools {
		if t == toolAlias {
			return true
		}
	}
	return false
}

func parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.Capabilities == nil {
		d.Capabilities = make(map[string]ClassCapability)
	}
	return &d, nil
}

// Store holds the live capability descriptor behind an atomic pointer.
// Readers call Current(); Reload swaps the pointer atomically so readers
// never observe a half-updated descriptor.
type Store struct {
	path    string
	nodeID  string
	current atomic.Pointer[Descriptor]
}

// Load reads path and initializes a Store. If the file is missing or
// malformed, the Store starts with the fail-closed default and the error
// is returned for the caller to log — it is not fatal.
func Load(path, nodeID string) (*Store, error) {
	s := &Store{path: path, nodeID: nodeID}
	d, err := loadFromDisk(path, nodeID)
	if err != nil {
		s.current.Store(FailClosedDefault(nodeID))
		return s, err
	}
	s.current.Store(d)
	return s, nil
}

func loadFromDisk(path, nodeID string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := parse(data)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Current returns the currently active descriptor. Safe for concurrent use.
func (s *Store) Current() *Descriptor {
	return s.current.Load()
}

// Reload re-reads the capability file. Per §4.5: "if parsing fails, keep
// the prior in-memory copy only if it was valid — otherwise revert to the
// fail-closed default and log the reason." Since Load already guarantees
// the in-memory copy is always either a valid parse or the fail-closed
// default, a failed reload simply keeps whatever is currently live.
func (s *Store) Reload() error {
	d, err := loadFromDisk(s.path, s.nodeID)
	if err != nil {
		slog.Warn("capability: reload failed, keeping previous descriptor", "path", s.path, "error", err)
		return err
	}
	s.current.Store(d)
	slog.Info("capability: reloaded", "path", s.path)
	return nil
}
