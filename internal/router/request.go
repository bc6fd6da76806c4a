// Package router implements the Action Router (C4), the "god gateway"
// that normalizes, dedupes, allowlists, rate-limits, vault-audits, and
// dispatches operator requests, per spec §4.4. This package holds the
// request type and the dispatch pipeline only; the POST /god HTTP
// handler lives in cmd/router.
package router

import (
	"strings"

	"github.com/google/uuid"
)

// Request is the §3 "Request (C4 input, propagated through C5)" shape.
type Request struct {
	RequestID string                 `json:"request_id,omitempty"`
	Action    string                 `json:"action"`
	Scope     string                 `json:"scope,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	TsMs      int64                  `json:"ts_ms,omitempty"`

	// Op is the legacy operator-shortcut field (§4.4 step 1).
	Op string `json:"op,omitempty"`
}

// legacyShortcuts maps legacy `op` values to their canonical actions.
var legacyShortcuts = map[string]string{
	"whoami": "ritual.rollcall",
	"panic":  "panic.freeze.agents",
}

// Normalize fills request_id if absent, translates legacy op shortcuts,
// and defaults scope to "all", per §4.4 step 1.
func (r *Request) Normalize() {
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Action == "" && r.Op != "" {
		if action, ok := legacyShortcuts[r.Op]; ok {
			r.Action = action
		}
	}
	if r.Scope == "" {
		r.Scope = "all"
	}
}

// DryRun reports whether args.dry_run is set to true.
func (r *Request) DryRun() bool {
	if r.Args == nil {
		return false
	}
	v, ok := r.Args["dry_run"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ActionAllowlist is the exact action set from spec §6.
var ActionAllowlist = map[string]struct{}{
	"panic.freeze.agents":    {},
	"panic.lockdown.egress":  {},
	"panic.isolate.node":     {},
	"panic.kill.switch":      {},
	"snapshot.now":           {},
	"snapshot.services":      {},
	"snapshot.net.routes":    {},
	"snapshot.vault.verify":  {},
	"maint.restart.service":  {},
	"maint.status.service":   {},
	"maint.logs.tail":        {},
	"maint.disk.df":          {},
	"maint.net.ping":         {},
	"scan.lan.fast":          {},
	"scan.lan.ports.top":     {},
	"scan.ble.sweep":         {},
	"scan.wifi.snapshot":     {},
	"build.version.report":   {},
	"build.flash.target":     {},
	"build.rollback.target":  {},
	"build.deploy.config":    {},
	"ritual.rollcall":        {},
	"ritual.heartbeat.burst": {},
	"ritual.quiet.mode":      {},
	"ritual.wake.mode":       {},
	"node.claim":             {},
	"node.flash":             {},
	"node.health.request":    {},
}

// IsAllowlisted reports whether action is a member of the static action
// allowlist the router and every agent must accept.
func IsAllowlisted(action string) bool {
	_, ok := ActionAllowlist[action]
	return ok
}

// actionClass maps an action to its capability/rate-limit class (the
// `panic`, `snapshot`, `maint`, `scan`, `build`, `ritual` prefix), or the
// node-scoped classes used for topic selection.
func actionClass(action string) string {
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}

// Topic returns the class-specific topic this request dispatches to, per
// spec §4.4 step 6 and §6's topic list.
func Topic(action, scope string) string {
	switch {
	case action == "node.claim":
		return "ops.claim"
	case action == "node.flash":
		return "ops.flash"
	case action == "node.health.request":
		return "ops.health.request"
	default:
		return "ops." + actionClass(action)
	}
}
