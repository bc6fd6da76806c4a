package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/router"
)

// Handle runs one incoming request through the §4.5 guard chain in
// order — allowlist, dedupe, rate limit, capability, mode gates — then
// executes the action. Every guard failure writes the denial event the
// spec requires and returns nil (the caller already has everything it
// needs from the audit trail); only an unexpected internal error is
// returned here.
func (a *Agent) Handle(ctx context.Context, req router.Request) error {
	req.Normalize()

	// Guard 1: action missing/not allowlisted.
	if req.Action == "" || !router.IsAllowlisted(req.Action) {
		return a.denyCapability(ctx, req, "action not allowlisted")
	}

	// Guard 2: dedupe by request_id (same 10-minute window as the router).
	if a.Tracker.SeenRecently(req.RequestID) {
		return a.denyCapability(ctx, req, "duplicate request_id")
	}

	// Guard 3: per-class rate limit, mirrors router limits.
	class := actionClass(req.Action)
	if !a.Tracker.Allow(class) {
		return a.denyCapability(ctx, req, fmt.Sprintf("rate limit exceeded for %s", class))
	}

	// Guard 4: capability check.
	if reason, ok := a.checkCapability(req); !ok {
		return a.denyCapability(ctx, req, reason)
	}

	// Guard 5: mode gates.
	if a.Frozen() && actionClass(req.Action) != "panic" && req.Action != "ritual.wake.mode" {
		return a.denyCapability(ctx, req, "agent frozen: only panic.* and ritual.wake.mode permitted")
	}
	if a.Quiet() && actionClass(req.Action) == "scan" {
		return a.denyCapability(ctx, req, "quiet mode: scan.* suppressed")
	}

	return a.execute(ctx, req)
}

// checkCapability enforces §4.5 guard 4: class enabled, scope permitted,
// and (for actions with a concrete tool) the tool alias permitted when the
// tools list is non-empty.
func (a *Agent) checkCapability(req router.Request) (string, bool) {
	desc := a.Capabilities.Current()
	class := capabilityClass(req.Action)

	if !desc.Enabled(class) {
		return fmt.Sprintf("capability disabled: %s", class), false
	}
	if !desc.ScopeAllowed(class, req.Scope) {
		return fmt.Sprintf("scope not permitted for %s: %s", class, req.Scope), false
	}
	if tool, ok := toolAliasFor(req.Action); ok {
		if !desc.ToolAllowed(class, tool) {
			return fmt.Sprintf("tool not permitted for %s: %s", class, tool), false
		}
	}
	return "", true
}

func (a *Agent) denyCapability(ctx context.Context, req router.Request, reason string) error {
	env, err := envelope.New("agent.capability.denied", a.NodeID, time.Now().UnixMilli(), map[string]interface{}{
		"request_id":    req.RequestID,
		"action":        req.Action,
		"denied_reason": reason,
	})
	if err != nil {
		return errs.Wrap(errs.Internal, "build capability denied envelope", err)
	}
	if _, err := a.Store.Append(env); err != nil {
		return errs.Wrap(errs.Internal, "append capability denied event", err)
	}
	return a.writeNodeResult(ctx, req, false, reason, nil)
}

// writeNodeResult writes node.<class>.result{ok, ...}. data carries
// execsafe.Result fields when the action shelled out; it is nil for pure
// denials and special actions that build their own result payload.
func (a *Agent) writeNodeResult(ctx context.Context, req router.Request, ok bool, reason string, data map[string]interface{}) error {
	payload := map[string]interface{}{
		"request_id": req.RequestID,
		"ok":         ok,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range data {
		payload[k] = v
	}
	env, err := envelope.New("node."+nodeEventClass(req.Action)+".result", a.NodeID, time.Now().UnixMilli(), payload)
	if err != nil {
		return errs.Wrap(errs.Internal, "build node result envelope", err)
	}
	if _, err := a.Store.Append(env); err != nil {
		return errs.Wrap(errs.Internal, "append node result event", err)
	}
	return nil
}
