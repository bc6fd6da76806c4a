// Command sshguard is the fail-closed constrained executor for hosts that
// lack the messaging link (C8, §4.8). It reads exactly one JSON request
// per invocation, enforces the same allowlist engine as the Execution
// Agent (C5), writes its intent to the vault before ever running
// anything, and reports stdout/stderr digests plus the exit code
// afterward. Invoked as `sshguard exec <request.json>` or with the
// request piped on stdin, matching the cobra single-command idiom this
// pack's BLE CLI tooling uses for scriptable, non-interactive runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/labctl/fieldplane/internal/allowlist"
	"github.com/labctl/fieldplane/internal/config"
	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
	"github.com/labctl/fieldplane/pkg/execsafe"
)

// Exit codes per spec §6.
const (
	exitOK              = 0
	exitBadRequest      = 2
	exitPolicyDenied    = 3
	exitVaultDownFailed = 4
)

var rootCmd = &cobra.Command{
	Use:   "sshguard",
	Short: "Fail-closed constrained executor for link-less hosts",
}

var execCmd = &cobra.Command{
	Use:   "exec [request.json]",
	Short: "Run one allowlisted command from a JSON request",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExec,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(execCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sshguard: %v\n", err)
		os.Exit(exitBadRequest)
	}
}

// sshRequest is the one-shot JSON request §4.8 describes: a command
// descriptor plus the request metadata carried into the audit trail.
type sshRequest struct {
	RequestID string   `json:"request_id"`
	Cmd       string   `json:"cmd"`
	Args      []string `json:"args"`
	CWD       string   `json:"cwd"`
	Src       string   `json:"src"`
}

func runExec(cmd *cobra.Command, args []string) error {
	raw, err := readRequest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadRequest)
	}

	var req sshRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Cmd == "" {
		fmt.Fprintln(os.Stderr, "sshguard: malformed or incomplete request")
		os.Exit(exitBadRequest)
	}
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("sshguard-%d", time.Now().UnixNano())
	}

	cfg := config.Get()
	src := req.Src
	if src == "" {
		src = cfg.Node.NodeID
	}

	allowlistPath := os.Getenv("COMMAND_ALLOWLIST_PATH")
	if allowlistPath == "" {
		allowlistPath = "./config/allowlist.json"
	}
	list, err := allowlist.Load(allowlistPath)
	if err != nil {
		emitDenial(cfg, src, req, allowlist.DenyNotAllowed, "allowlist unavailable: "+err.Error())
		os.Exit(exitPolicyDenied)
	}

	command := allowlist.Command{Cmd: req.Cmd, Args: req.Args, CWD: req.CWD}
	decision := list.Check(command)
	if !decision.Allowed {
		emitDenial(cfg, src, req, decision.Code, decision.Reason)
		os.Exit(exitPolicyDenied)
	}

	store, err := eventstore.New(cfg.Vault.EventRoot)
	if err != nil {
		emitDenial(cfg, src, req, allowlist.DenyVaultDownFailClosed, err.Error())
		fmt.Fprintf(os.Stderr, "sshguard: vault unreachable, refusing to run: %v\n", err)
		os.Exit(exitVaultDownFailed)
	}
	defer store.Close()

	if err := writeIntent(store, src, req); err != nil {
		emitDenial(cfg, src, req, allowlist.DenyVaultDownFailClosed, err.Error())
		fmt.Fprintf(os.Stderr, "sshguard: vault write failed, refusing to run: %v\n", err)
		os.Exit(exitVaultDownFailed)
	}

	ctx := context.Background()
	res, runErr := execsafe.Run(ctx, execsafe.Request{Cmd: req.Cmd, Args: req.Args, Dir: req.CWD})
	if runErr != nil {
		writeResult(store, src, req, false, runErr.Error(), nil)
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitPolicyDenied)
	}

	ok := res.ExitCode == 0 && !res.TimedOut
	writeResult(store, src, req, ok, "", res)
	if !ok {
		os.Exit(exitPolicyDenied)
	}
	return nil
}

func readRequest(args []string) ([]byte, error) {
	if len(args) == 1 {
		return os.ReadFile(args[0])
	}
	return io.ReadAll(os.Stdin)
}

func emitDenial(cfg *config.Config, src string, req sshRequest, code allowlist.DenialCode, reason string) {
	store, err := eventstore.New(cfg.Vault.EventRoot)
	if err != nil {
		return
	}
	defer store.Close()

	env, err := envelope.New("agent.ssh.denied", src, time.Now().UnixMilli(), map[string]interface{}{
		"request_id": req.RequestID,
		"cmd":        req.Cmd,
		"args":       req.Args,
		"code":       code,
		"reason":     reason,
	})
	if err != nil {
		return
	}
	_, _ = store.Append(env)
}

func writeIntent(store *eventstore.Store, src string, req sshRequest) error {
	env, err := envelope.New("agent.ssh.intent", src, time.Now().UnixMilli(), map[string]interface{}{
		"request_id": req.RequestID,
		"cmd":        req.Cmd,
		"args":       req.Args,
		"cwd":        req.CWD,
	})
	if err != nil {
		return err
	}
	_, err = store.Append(env)
	return err
}

func writeResult(store *eventstore.Store, src string, req sshRequest, ok bool, reason string, res *execsafe.Result) {
	data := map[string]interface{}{
		"request_id": req.RequestID,
		"ok":         ok,
		"reason":     reason,
	}
	if res != nil {
		data["exit_code"] = res.ExitCode
		data["signal"] = res.Signal
		data["timed_out"] = res.TimedOut
		data["duration_ms"] = res.DurationMs
		data["stdout_sha256"] = res.StdoutSHA256
		data["stderr_sha256"] = res.StderrSHA256
	}
	env, err := envelope.New("agent.ssh.result", src, time.Now().UnixMilli(), data)
	if err != nil {
		return
	}
	_, _ = store.Append(env)
}
