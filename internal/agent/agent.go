// Package agent implements the Execution Agent (C5): per spec §4.5, each
// host runs one agent identified by (node_id, device_id, role) that
// subscribes to topics, enforces scope/capability/allowlist guards, runs
// allowed commands with bounded output/timeout, and writes every intent
// and result to the vault. The guard-chain shape (ordered checks, each
// returning a typed denial before falling through to the next) follows
// the teacher's internal/middleware governance chain
// (internal/middleware/governance.go); mode gates are a small atomic-bool
// pair with no teacher analogue, grounded directly in spec §4.5.
package agent

import (
	"sync/atomic"

	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/capability"
	"github.com/labctl/fieldplane/internal/dedupe"
	"github.com/labctl/fieldplane/internal/eventstore"
)

// Agent is one execution agent's live state: its identity, its
// collaborators (capability matrix, command allowlist, dedupe/rate
// tracker, event store), and its two local mode flags.
type Agent struct {
	NodeID   string
	DeviceID string
	Role     string
	Platform string // "mac" | "pi" | other

	Capabilities *capability.Store
	Allowlist    *allowlist.List
	Tracker      *dedupe.Tracker
	Store        *eventstore.Store
	ClaimDBPath  string

	frozen atomic.Bool // panic.freeze.agents
	quiet  atomic.Bool // ritual.quiet.mode
}

// ShouldHandle reports whether this agent should process a request
// targeting the given scope (and, for scope=node, target node), per §4.5.
func (a *Agent) ShouldHandle(scope, target string) bool {
	switch scope {
	case "all":
		return true
	case "node":
		return target == a.NodeID
	case "tier1":
		return a.Role == "tier1"
	case "mac", "pi":
		return a.Platform == scope
	default:
		return false
	}
}

// Frozen reports whether panic.freeze.agents is currently in effect.
func (a *Agent) Frozen() bool { return a.frozen.Load() }

// Quiet reports whether ritual.quiet.mode is currently in effect.
func (a *Agent) Quiet() bool { return a.quiet.Load() }

func (a *Agent) setFrozen(v bool) { a.frozen.Store(v) }
func (a *Agent) setQuiet(v bool)  { a.quiet.Store(v) }

// actionClass returns the rate-limit class for an action (the segment
// before the first dot), mirroring the router's own bucket selection so
// the two rate limiters stay consistent per §4.5 ("mirrors router
// limits").
func actionClass(action string) string {
	for i := 0; i < len(action); i++ {
		if action[i] == '.' {
			return action[:i]
		}
	}
	return action
}

// capabilityClass maps an action to one of the six capability classes the
// matrix actually describes (§2's glossary: "panic, snapshot, maint, scan,
// build, ritual"). The three node-scoped actions (node.claim, node.flash,
// node.health.request) are not capability classes themselves — actionClass
// would return the literal "node", which no capability descriptor ever
// defines, so every node-scoped action would be permanently capability-
// denied. They're mapped onto the class closest to what they actually do:
// node.claim to identity/rollcall (ritual), node.flash to firmware
// delivery (build), node.health.request to a health probe (snapshot).
func capabilityClass(action string) string {
	switch action {
	case "node.claim":
		return "ritual"
	case "node.flash":
		return "build"
	case "node.health.request":
		return "snapshot"
	default:
		return actionClass(action)
	}
}

// nodeEventClass maps an action to the "node.<class>" event naming §4.5
// specifies ("node.maintenance.*, node.flash.*, node.health.snapshot,
// node.claim.*"): maint -> maintenance, scan/build/panic/ritual keep
// their class name, and the node-scoped actions get their own names.
func nodeEventClass(action string) string {
	switch action {
	case "node.claim":
		return "claim"
	case "node.flash", "build.flash.target", "build.rollback.target":
		return "flash"
	case "node.health.request", "snapshot.now", "ritual.heartbeat.burst":
		return "health"
	}
	switch actionClass(action) {
	case "maint":
		return "maintenance"
	default:
		return actionClass(action)
	}
}
