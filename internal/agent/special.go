// Special actions that do not shell out, per §4.5: snapshot.now,
// ritual.heartbeat.burst and node.health.request assemble a host snapshot; snapshot.vault.verify
// round-trips a probe event through the vault; ritual.rollcall reports
// current identity; the quiet/wake/freeze actions toggle local mode
// flags; node.claim persists a claim record; node.flash and the
// build.*.target actions iterate a caller-supplied step list.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/errs"
	"github.com/labctl/fieldplane/internal/router"
	"github.com/labctl/fieldplane/pkg/execsafe"
)

type specialHandler func(ctx context.Context, a *Agent, req router.Request) error

var specialHandlers = map[string]specialHandler{
	"snapshot.now":           handleHostSnapshot,
	"ritual.heartbeat.burst": handleHostSnapshot,
	"snapshot.vault.verify":  handleVaultVerify,
	"ritual.rollcall":        handleRollcall,
	"ritual.quiet.mode":      handleQuietMode,
	"ritual.wake.mode":       handleWakeMode,
	"panic.freeze.agents":    handleFreeze,
	"panic.kill.switch":      handleFreeze,
	"node.claim":             handleNodeClaim,
	"node.health.request":    handleHostSnapshot,
	"node.flash":             handleStepList,
	"build.flash.target":     handleStepList,
	"build.rollback.target":  handleStepList,
	"build.version.report":   handleVersionReport,
	"build.deploy.config":    handleDeployConfig,
}

func handleHostSnapshot(ctx context.Context, a *Agent, req router.Request) error {
	snap := assembleHostSnapshot()
	data := map[string]interface{}{
		"request_id": req.RequestID,
		"ok":         true,
		"hostname":   snap.Hostname,
		"uptime_sec": snap.UptimeSec,
		"load1":      snap.Load1,
		"load5":      snap.Load5,
		"load15":     snap.Load15,
		"mem_total_kb": snap.MemTotalKB,
		"mem_free_kb":  snap.MemFreeKB,
		"disk_total_gb": snap.DiskTotalGB,
		"disk_free_gb":  snap.DiskFreeGB,
		"interfaces": snap.Interfaces,
	}
	env, err := envelope.New("node.health.snapshot", a.NodeID, time.Now().UnixMilli(), data)
	if err != nil {
		return errs.Wrap(errs.Internal, "build host snapshot envelope", err)
	}
	_, err = a.Store.Append(env)
	return err
}

// handleVaultVerify writes a vault.verify.probe event to the vault (via
// the node's own event store, standing in for the vault ingest HTTP
// round-trip in single-process deployments) and reports whether it was
// stored, per §4.5.
func handleVaultVerify(ctx context.Context, a *Agent, req router.Request) error {
	probe, err := envelope.New("vault.verify.probe", a.NodeID, time.Now().UnixMilli(), map[string]interface{}{
		"request_id": req.RequestID,
	})
	stored := false
	var storeErr error
	if err == nil {
		_, storeErr = a.Store.Append(probe)
		stored = storeErr == nil
	}
	return a.writeNodeResult(ctx, req, stored, errString(storeErr), map[string]interface{}{"probe_stored": stored})
}

func handleRollcall(ctx context.Context, a *Agent, req router.Request) error {
	env, err := envelope.New("node.claim.result", a.NodeID, time.Now().UnixMilli(), map[string]interface{}{
		"request_id": req.RequestID,
		"ok":         true,
		"node_id":    a.NodeID,
		"device_id":  a.DeviceID,
		"role":       a.Role,
		"frozen":     a.Frozen(),
		"quiet":      a.Quiet(),
	})
	if err != nil {
		return errs.Wrap(errs.Internal, "build rollcall envelope", err)
	}
	_, err = a.Store.Append(env)
	return err
}

func handleQuietMode(ctx context.Context, a *Agent, req router.Request) error {
	a.setQuiet(true)
	return a.writeNodeResult(ctx, req, true, "", map[string]interface{}{"quiet": true})
}

func handleWakeMode(ctx context.Context, a *Agent, req router.Request) error {
	a.setQuiet(false)
	a.setFrozen(false)
	return a.writeNodeResult(ctx, req, true, "", map[string]interface{}{"quiet": false, "frozen": false})
}

func handleFreeze(ctx context.Context, a *Agent, req router.Request) error {
	a.setFrozen(true)
	return a.writeNodeResult(ctx, req, true, "", map[string]interface{}{"frozen": true})
}

func handleNodeClaim(ctx context.Context, a *Agent, req router.Request) error {
	claimedBy := stringArg(req.Args, "claimed_by", req.Reason)
	record := ClaimRecord{
		NodeID:      a.NodeID,
		DeviceID:    a.DeviceID,
		Role:        a.Role,
		ClaimedBy:   claimedBy,
		ClaimedAtMs: nowMs(),
	}
	err := a.persistClaim(record)
	return a.writeNodeResult(ctx, req, err == nil, errString(err), map[string]interface{}{
		"node_id": record.NodeID, "claimed_by": record.ClaimedBy,
	})
}

// stepDescriptor is one entry of a node.flash / build.*.target step list.
type stepDescriptor struct {
	Cmd      string   `json:"cmd"`
	Args     []string `json:"args"`
	CWD      string   `json:"cwd"`
	Artifact string   `json:"artifact,omitempty"`
}

// handleStepList iterates a caller-supplied step list, verifying every
// referenced artifact path exists before any step runs, then stopping at
// the first non-zero exit, per §4.5.
func handleStepList(ctx context.Context, a *Agent, req router.Request) error {
	steps, err := parseSteps(req.Args)
	if err != nil {
		return a.writeNodeResult(ctx, req, false, err.Error(), nil)
	}

	for _, step := range steps {
		if step.Artifact == "" {
			continue
		}
		if _, err := os.Stat(step.Artifact); err != nil {
			return a.writeNodeResult(ctx, req, false, fmt.Sprintf("artifact missing: %s", step.Artifact), nil)
		}
	}

	if err := a.writeIntentPair(ctx, req, map[string]interface{}{"steps": steps}); err != nil {
		return err
	}

	for i, step := range steps {
		cmd := allowlist.Command{Cmd: step.Cmd, Args: step.Args, CWD: step.CWD}
		decision := a.Allowlist.Check(cmd)
		if !decision.Allowed {
			reason := fmt.Sprintf("step %d denied: %s: %s", i, decision.Code, decision.Reason)
			return a.writeResultPair(ctx, req, false, reason, map[string]interface{}{"failing_step": i})
		}

		res, runErr := execsafe.Run(ctx, execsafe.Request{Cmd: step.Cmd, Args: step.Args, Dir: step.CWD})
		if runErr != nil {
			return a.writeResultPair(ctx, req, false, runErr.Error(), map[string]interface{}{"failing_step": i})
		}
		if res.ExitCode != 0 || res.TimedOut {
			data := resultData(res)
			data["failing_step"] = i
			data["failing_cmd"] = map[string]interface{}{"cmd": step.Cmd, "args": step.Args, "cwd": step.CWD}
			return a.writeResultPair(ctx, req, false, "step exited non-zero", data)
		}
	}

	return a.writeResultPair(ctx, req, true, "", map[string]interface{}{"steps_run": len(steps)})
}

func parseSteps(args map[string]interface{}) ([]stepDescriptor, error) {
	if args == nil {
		return nil, fmt.Errorf("missing step list")
	}
	raw, ok := args["steps"]
	if !ok {
		return nil, fmt.Errorf("missing args.steps")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed args.steps: %w", err)
	}
	var steps []stepDescriptor
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return nil, fmt.Errorf("malformed args.steps: %w", err)
	}
	return steps, nil
}

func handleVersionReport(ctx context.Context, a *Agent, req router.Request) error {
	return a.writeNodeResult(ctx, req, true, "", map[string]interface{}{
		"node_id": a.NodeID, "role": a.Role,
	})
}

func handleDeployConfig(ctx context.Context, a *Agent, req router.Request) error {
	return a.writeNodeResult(ctx, req, true, "", map[string]interface{}{
		"applied": true,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
