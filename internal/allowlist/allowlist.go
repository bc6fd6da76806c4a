// Package allowlist implements the command allowlist shared by the
// execution agent (C5) and SSH Guard (C8): absolute path, argument
// ceiling, CWD containment, subcommand/flag/target/path restrictions,
// per spec §3 and §4.8. Both callers load the same JSON shape and get
// the same typed denial codes so C8 can reuse C5's policy discipline
// verbatim, as the spec requires ("same rules as C5").
package allowlist

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// DenialCode enumerates the typed denial reasons from spec §4.8.
type DenialCode string

const (
	DenyNotAllowed        DenialCode = "NOT_ALLOWED"
	DenyArgsLimit         DenialCode = "ARGS_LIMIT"
	DenyCWDDenied         DenialCode = "CWD_DENIED"
	DenySubcommandDenied  DenialCode = "SUBCOMMAND_DENIED"
	DenyFlagDenied        DenialCode = "FLAG_DENIED"
	DenyFlagNotAllowed    DenialCode = "FLAG_NOT_ALLOWED"
	DenyUnitDenied        DenialCode = "UNIT_DENIED"
	DenyTargetDenied      DenialCode = "TARGET_DENIED"
	DenyPathDenied        DenialCode = "PATH_DENIED"
	DenyVaultDownFailClosed DenialCode = "VAULT_DOWN_FAIL_CLOSED"
)

// Entry is one command allowlist entry, per spec §3's "Command allowlist
// entry (C5 and C8)".
type Entry struct {
	Path           string   `json:"path"`
	MaxArgs        int      `json:"max_args"`
	AllowedCWDs    []string `json:"allowed_cwds"`
	Subcommands    []string `json:"subcommands,omitempty"`
	AllowedFlags   []string `json:"allowed_flags,omitempty"`
	DeniedFlags    []string `json:"denied_flags,omitempty"`
	AllowedTargets []string `json:"allowed_targets,omitempty"` // CIDR-aware, ping/nmap
	AllowedUnits   []string `json:"allowed_units,omitempty"`   // systemctl unit names
	PathPrefixes   []string `json:"path_prefixes,omitempty"`
}

// List is the full allowlist keyed by absolute command path.
type List struct {
	Entries map[string]Entry `json:"entries"`
}

// Load reads and parses an allowlist JSON file. A missing or malformed
// file is the caller's responsibility to treat as fail-closed (§4.8:
// "loads allowlist.json on every call, fail-closed if missing or
// schema-invalid") — Load simply reports the error, it does not default.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	if l.Entries == nil {
		return nil, errMalformed("allowlist: no entries")
	}
	return &l, nil
}

type errMalformed string

func (e errMalformed) Error() string { return string(e) }

// Command is a fully-typed command descriptor a caller wants to run.
type Command struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	CWD  string   `json:"cwd"`
}

// Decision is the result of checking a Command against the List.
type Decision struct {
	Allowed bool
	Code    DenialCode
	Reason  string
	Entry   Entry
}

func deny(code DenialCode, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// Check validates cmd against the allowlist. It does not touch the
// filesystem beyond resolving cwd's realpath — the caller is responsible
// for actually spawning the process.
func (l *List) Check(cmd Command) Decision {
	entry, ok := l.Entries[cmd.Cmd]
	if !ok || !filepath.IsAbs(cmd.Cmd) {
		return deny(DenyNotAllowed, "command not in allowlist")
	}

	if entry.MaxArgs > 0 && len(cmd.Args) > entry.MaxArgs {
		return deny(DenyArgsLimit, "argument count exceeds maximum")
	}

	if d := checkCWD(entry, cmd.CWD); !d.Allowed {
		return d
	}

	if len(entry.Subcommands) > 0 {
		if d := checkSubcommand(entry, cmd.Args); !d.Allowed {
			return d
		}
	}

	if d := checkFlags(entry, cmd.Args); !d.Allowed {
		return d
	}

	if len(entry.AllowedTargets) > 0 {
		if d := checkTargets(entry, cmd.Args); !d.Allowed {
			return d
		}
	}

	if len(entry.AllowedUnits) > 0 {
		if d := checkUnits(entry, cmd.Args); !d.Allowed {
			return d
		}
	}

	if len(entry.PathPrefixes) > 0 {
		if d := checkPathPrefixes(entry, cmd.Args); !d.Allowed {
			return d
		}
	}

	return Decision{Allowed: true, Entry: entry}
}

func checkCWD(entry Entry, cwd string) Decision {
	if len(entry.AllowedCWDs) == 0 {
		return Decision{Allowed: true}
	}
	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		resolved = filepath.Clean(cwd)
	}
	for _, root := range entry.AllowedCWDs {
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			rootResolved = filepath.Clean(root)
		}
		if resolved == rootResolved || strings.HasPrefix(resolved, rootResolved+string(os.PathSeparator)) {
			return Decision{Allowed: true}
		}
	}
	return deny(DenyCWDDenied, "cwd not within an allowed root")
}

func checkSubcommand(entry Entry, args []string) Decision {
	if len(args) == 0 {
		return deny(DenySubcommandDenied, "subcommand required but missing")
	}
	sub := args[0]
	for _, s := range entry.Subcommands {
		if s == sub {
			return Decision{Allowed: true}
		}
	}
	return deny(DenySubcommandDenied, "subcommand not permitted")
}

func checkFlags(entry Entry, args []string) Decision {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		for _, denied := range entry.DeniedFlags {
			if a == denied {
				return deny(DenyFlagDenied, "flag explicitly denied: "+a)
			}
		}
		if len(entry.AllowedFlags) > 0 {
			permitted := false
			for _, allowed := range entry.AllowedFlags {
				if a == allowed {
					permitted = true
					break
				}
			}
			if !permitted {
				return deny(DenyFlagNotAllowed, "flag not in allowed set: "+a)
			}
		}
	}
	return Decision{Allowed: true}
}

func checkUnits(entry Entry, args []string) Decision {
	// Unit name is conventionally the last non-flag argument, e.g.
	// "systemctl restart sensor-bridge.service".
	for i := len(args) - 1; i >= 0; i-- {
		if strings.HasPrefix(args[i], "-") {
			continue
		}
		unit := args[i]
		for _, u := range entry.AllowedUnits {
			if u == unit {
				return Decision{Allowed: true}
			}
		}
		return deny(DenyUnitDenied, "unit not permitted: "+unit)
	}
	return Decision{Allowed: true}
}

func checkTargets(entry Entry, args []string) Decision {
	nets := make([]*net.IPNet, 0, len(entry.AllowedTargets))
	directs := make([]string, 0, len(entry.AllowedTargets))
	for _, t := range entry.AllowedTargets {
		if _, cidr, err := net.ParseCIDR(t); err == nil {
			nets = append(nets, cidr)
		} else {
			directs = append(directs, t)
		}
	}

	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		ip := net.ParseIP(a)
		if ip == nil {
			for _, d := range directs {
				if d == a {
					return Decision{Allowed: true}
				}
			}
			continue
		}
		matched := false
		for _, n := range nets {
			if n.Contains(ip) {
				matched = true
				break
			}
		}
		if !matched {
			for _, d := range directs {
				if d == a {
					matched = true
					break
				}
			}
		}
		if matched {
			return Decision{Allowed: true}
		}
		return deny(DenyTargetDenied, "target not within allowed set: "+a)
	}
	return Decision{Allowed: true}
}

func checkPathPrefixes(entry Entry, args []string) Decision {
	for _, a := range args {
		if !strings.HasPrefix(a, "/") {
			continue
		}
		matched := false
		for _, p := range entry.PathPrefixes {
			if strings.HasPrefix(a, p) {
				matched = true
				break
			}
		}
		if !matched {
			return deny(DenyPathDenied, "path argument outside allowed prefixes: "+a)
		}
	}
	return Decision{Allowed: true}
}
