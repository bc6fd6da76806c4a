// Command building and execution for the shell-backed actions (§4.5:
// maint.*, scan.*, and several snapshot.*/panic.* actions). Building a
// strictly-typed {cmd, args, cwd} descriptor, then checking it against
// the shared allowlist before ever calling exec.CommandContext, follows
// the same two-phase "validate, then run" split as
// internal/allowlist.List.Check + pkg/execsafe.Run were designed for.
package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/router"
	"github.com/labctl/fieldplane/internal/telemetry"
	"github.com/labctl/fieldplane/pkg/execsafe"
)

var tracer = telemetry.Tracer("agent")

// toolBinaries resolves a capability tool alias to the absolute path the
// command allowlist keys on. The paths are fixed conventional Linux
// locations: commandFor always builds its descriptor from them, so an
// allowlist entry must be keyed on the same path for the action to pass
// the allowlist check.
var toolBinaries = map[string]string{
	"systemctl":    "/usr/bin/systemctl",
	"journalctl":   "/usr/bin/journalctl",
	"df":           "/bin/df",
	"ping":         "/bin/ping",
	"nmap":         "/usr/bin/nmap",
	"iptables":     "/usr/sbin/iptables",
	"nmcli":        "/usr/bin/nmcli",
	"ip":           "/usr/sbin/ip",
	"bluetoothctl": "/usr/bin/bluetoothctl",
}

// toolAliasFor returns the capability tool alias a shell-backed action
// maps to, and whether the action has one at all (special/non-shell
// actions do not).
func toolAliasFor(action string) (string, bool) {
	switch action {
	case "maint.restart.service", "maint.status.service":
		return "systemctl", true
	case "maint.logs.tail":
		return "journalctl", true
	case "maint.disk.df":
		return "df", true
	case "maint.net.ping":
		return "ping", true
	case "scan.lan.fast", "scan.lan.ports.top":
		return "nmap", true
	case "scan.wifi.snapshot":
		return "nmcli", true
	case "scan.ble.sweep":
		return "bluetoothctl", true
	case "panic.lockdown.egress", "panic.isolate.node":
		return "iptables", true
	case "snapshot.net.routes":
		return "ip", true
	case "snapshot.services":
		return "systemctl", true
	default:
		return "", false
	}
}

// isShellAction reports whether action translates to a command per §4.5.
func isShellAction(action string) bool {
	_, ok := toolAliasFor(action)
	return ok
}

// commandFor builds the strictly-typed command descriptor for a
// shell-backed action from its args, per §4.5's per-command argument
// validators (systemctl subcommand set, nmap flag restrictions, ...).
func commandFor(action string, args map[string]interface{}) (allowlist.Command, error) {
	tool, _ := toolAliasFor(action)
	path, ok := toolBinaries[tool]
	if !ok {
		return allowlist.Command{}, errs.New(errs.Internal, "no binary path configured for tool "+tool)
	}
	cwd := stringArg(args, "cwd", "/")

	switch action {
	case "maint.restart.service":
		return allowlist.Command{Cmd: path, Args: []string{"restart", stringArg(args, "unit", "")}, CWD: cwd}, nil
	case "maint.status.service":
		return allowlist.Command{Cmd: path, Args: []string{"status", stringArg(args, "unit", "")}, CWD: cwd}, nil
	case "maint.logs.tail":
		unit := stringArg(args, "unit", "")
		lines := fmt.Sprintf("%d", intArg(args, "lines", 100))
		return allowlist.Command{Cmd: path, Args: []string{"-u", unit, "-n", lines, "--no-pager"}, CWD: cwd}, nil
	case "maint.disk.df":
		return allowlist.Command{Cmd: path, Args: []string{"-h"}, CWD: cwd}, nil
	case "maint.net.ping":
		target := stringArg(args, "target", "")
		count := fmt.Sprintf("%d", intArg(args, "count", 4))
		return allowlist.Command{Cmd: path, Args: []string{"-c", count, target}, CWD: cwd}, nil
	case "scan.lan.fast":
		target := stringArg(args, "target", "")
		return allowlist.Command{Cmd: path, Args: []string{"-sn", target}, CWD: cwd}, nil
	case "scan.lan.ports.top":
		target := stringArg(args, "target", "")
		return allowlist.Command{Cmd: path, Args: []string{"--top-ports", "100", target}, CWD: cwd}, nil
	case "scan.wifi.snapshot":
		return allowlist.Command{Cmd: path, Args: []string{"device", "wifi", "list"}, CWD: cwd}, nil
	case "panic.lockdown.egress":
		return allowlist.Command{Cmd: path, Args: []string{"-P", "OUTPUT", "DROP"}, CWD: cwd}, nil
	case "panic.isolate.node":
		target := stringArg(args, "target", "")
		return allowlist.Command{Cmd: path, Args: []string{"-A", "INPUT", "-s", target, "-j", "DROP"}, CWD: cwd}, nil
	case "snapshot.net.routes":
		return allowlist.Command{Cmd: path, Args: []string{"route"}, CWD: cwd}, nil
	case "snapshot.services":
		return allowlist.Command{Cmd: path, Args: []string{"list-units", "--type=service", "--no-pager"}, CWD: cwd}, nil
	case "scan.ble.sweep":
		timeout := fmt.Sprintf("%d", intArg(args, "timeout_sec", 10))
		return allowlist.Command{Cmd: path, Args: []string{"--timeout", timeout, "scan", "on"}, CWD: cwd}, nil
	default:
		return allowlist.Command{}, errs.New(errs.Internal, "unmapped shell action: "+action)
	}
}

func stringArg(args map[string]interface{}, key, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// execute dispatches req to either a special non-shell handler or the
// generic shell-command path, per §4.5.
func (a *Agent) execute(ctx context.Context, req router.Request) error {
	if handler, ok := specialHandlers[req.Action]; ok {
		return handler(ctx, a, req)
	}
	if isShellAction(req.Action) {
		return a.executeShell(ctx, req)
	}
	return errs.New(errs.Internal, "action has no execution path: "+req.Action)
}

func (a *Agent) executeShell(ctx context.Context, req router.Request) error {
	ctx, span := tracer.Start(ctx, "agent.exec."+req.Action)
	defer span.End()
	span.SetAttributes(attribute.String("request_id", req.RequestID), attribute.String("node_id", a.NodeID))

	cmd, err := commandFor(req.Action, req.Args)
	if err != nil {
		return a.writeNodeResult(ctx, req, false, err.Error(), nil)
	}

	if err := a.writeIntentPair(ctx, req, map[string]interface{}{"cmd": cmd.Cmd, "args": cmd.Args, "cwd": cmd.CWD}); err != nil {
		return err
	}

	decision := a.Allowlist.Check(cmd)
	if !decision.Allowed {
		reason := fmt.Sprintf("%s: %s", decision.Code, decision.Reason)
		return a.writeResultPair(ctx, req, false, reason, nil)
	}

	timeout := time.Duration(0)
	res, runErr := execsafe.Run(ctx, execsafe.Request{Cmd: cmd.Cmd, Args: cmd.Args, Dir: cmd.CWD, Timeout: timeout})
	if runErr != nil {
		return a.writeResultPair(ctx, req, false, runErr.Error(), nil)
	}

	ok := res.ExitCode == 0 && !res.TimedOut
	return a.writeResultPair(ctx, req, ok, "", resultData(res))
}

func resultData(res *execsafe.Result) map[string]interface{} {
	return map[string]interface{}{
		"exit_code":      res.ExitCode,
		"signal":         res.Signal,
		"timed_out":      res.TimedOut,
		"duration_ms":    res.DurationMs,
		"stdout_sha256":  res.StdoutSHA256,
		"stderr_sha256":  res.StderrSHA256,
		"stdout":         string(res.Stdout),
		"stderr":         string(res.Stderr),
	}
}

// writeIntentPair writes node.<class>.intent and agent.exec.intent — the
// "vault-first" pairing §4.5 requires before any command runs.
func (a *Agent) writeIntentPair(ctx context.Context, req router.Request, cmdDesc map[string]interface{}) error {
	data := map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
	}
	for k, v := range cmdDesc {
		data[k] = v
	}
	nodeEnv, err := envelope.New("node."+nodeEventClass(req.Action)+".intent", a.NodeID, time.Now().UnixMilli(), data)
	if err != nil {
		return errs.Wrap(errs.Internal, "build node intent envelope", err)
	}
	if _, err := a.Store.Append(nodeEnv); err != nil {
		return errs.Wrap(errs.Internal, "append node intent event", err)
	}
	execEnv, err := envelope.New("agent.exec.intent", a.NodeID, time.Now().UnixMilli(), data)
	if err != nil {
		return errs.Wrap(errs.Internal, "build exec intent envelope", err)
	}
	if _, err := a.Store.Append(execEnv); err != nil {
		return errs.Wrap(errs.Internal, "append exec intent event", err)
	}
	return nil
}

// writeResultPair writes node.<class>.result and agent.exec.result.
func (a *Agent) writeResultPair(ctx context.Context, req router.Request, ok bool, reason string, data map[string]interface{}) error {
	if err := a.writeNodeResult(ctx, req, ok, reason, data); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"ok":         ok,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range data {
		payload[k] = v
	}
	env, err := envelope.New("agent.exec.result", a.NodeID, time.Now().UnixMilli(), payload)
	if err != nil {
		return errs.Wrap(errs.Internal, "build exec result envelope", err)
	}
	if _, err := a.Store.Append(env); err != nil {
		return errs.Wrap(errs.Internal, "append exec result event", err)
	}
	return nil
}
